package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	config := GetDefaults()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/hsh/")
	v.AddConfigPath("$HOME/.hsh/")

	// Environment variable overrides, e.g. HSH_ENGINE_ANALYZER_URL
	v.SetEnvPrefix("HSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	current = v
	return config, nil
}

// current is the viper instance backing the last successful Load, used by Watch.
var current *viper.Viper

// bindEnv registers the keys AutomaticEnv cannot discover on its own
// because no config file mentions them.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"server.port",
		"engine.analyzer_url",
		"engine.anonymizer_url",
		"engine.language",
		"engine.score_threshold",
		"gateway.max_concurrent",
		"files.input_path",
		"files.output_path",
		"files.report_path",
		"files.report_format",
		"cache.enabled",
		"cache.redis.enabled",
		"cache.redis.url",
		"audit.enabled",
		"audit.database_url",
		"rate_limit.enabled",
		"rate_limit.trusted_proxies",
		"logging.level",
		"logging.format",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// Validate validates the loaded configuration
func Validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Engine.AnalyzerURL == "" || config.Engine.AnonymizerURL == "" {
		return fmt.Errorf("engine analyzer_url and anonymizer_url are required")
	}

	if config.Gateway.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid gateway max_concurrent: %d", config.Gateway.MaxConcurrent)
	}

	if config.Files.InputPath == "" || config.Files.OutputPath == "" || config.Files.ReportPath == "" {
		return fmt.Errorf("files input_path, output_path and report_path are required")
	}

	switch config.Files.ReportFormat {
	case "text", "json", "parquet":
	default:
		return fmt.Errorf("invalid report format: %s (must be text, json, or parquet)", config.Files.ReportFormat)
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.RateLimit.Enabled && config.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", config.RateLimit.RequestsPerMin)
	}

	if _, err := config.RateLimit.TrustedPrefixes(); err != nil {
		return err
	}

	return nil
}

// Watch starts watching the configuration file for changes. The callback
// only receives configurations that pass validation.
func Watch(callback func(*Config)) error {
	v := current
	if v == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			return
		}

		if err := Validate(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
