package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/audit"
	"github.com/raaihank/hebrew-safe-harbor/internal/cache"
	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/engine"
	"github.com/raaihank/hebrew-safe-harbor/internal/gateway"
	"github.com/raaihank/hebrew-safe-harbor/internal/logger"
	"github.com/raaihank/hebrew-safe-harbor/internal/readiness"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "hsh",
	Short: "Hebrew Safe Harbor de-identification service",
	Long: `hsh removes identifying details from Hebrew clinical text.

Documents are sent to a Presidio analyzer and anonymizer configured for
Hebrew, and every recognized entity is replaced with a Hebrew placeholder
tag such as <שם_> or <תאריך_>.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env file is normal
		_ = godotenv.Load()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hebrew Safe Harbor %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and builds the logger
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// stack is the engine, its readiness and the gateway in front of them
type stack struct {
	engine  *engine.PresidioEngine
	tracker *readiness.Tracker
	gateway *gateway.Gateway
	cache   cache.ResultCache
	audit   audit.Recorder
}

// buildStack wires the engine, cache and audit store into a gateway and
// starts loading the engine in the background
func buildStack(ctx context.Context, cfg *config.Config, log *logger.Logger, observer gateway.Observer) *stack {
	eng := engine.NewPresidioEngine(cfg.Engine, log.WithComponent("engine").Logger)
	tracker := readiness.NewTracker(log.WithComponent("readiness").Logger)

	s := &stack{
		engine:  eng,
		tracker: tracker,
		cache:   buildCache(cfg, log),
		audit:   buildAudit(cfg, log),
	}

	opts := gateway.Options{
		MaxConcurrent:  cfg.Gateway.MaxConcurrent,
		MaxBatchSize:   cfg.Gateway.MaxBatchSize,
		EngineID:       engineID(eng.Name(), cfg.Engine),
		CacheKeyPrefix: cfg.Cache.Redis.KeyPrefix,
		Cache:          s.cache,
		Audit:          s.audit,
		Observer:       observer,
	}
	s.gateway = gateway.New(eng, tracker, opts, log.WithComponent("gateway").Logger)

	tracker.LoadAsync(ctx, eng.Initialize)
	return s
}

// engineID names the settings that shape an engine result. It is part of
// every cache key.
func engineID(name string, cfg config.EngineConfig) string {
	types := make([]string, 0, len(cfg.Placeholders))
	for entityType := range cfg.Placeholders {
		types = append(types, entityType)
	}
	sort.Strings(types)

	tags := make([]string, len(types))
	for i, entityType := range types {
		tags[i] = strings.ToUpper(entityType) + "=" + cfg.Placeholders[entityType]
	}

	return fmt.Sprintf("%s/%s/%g/%v/%s", name, cfg.Language, cfg.ScoreThreshold, cfg.Entities, strings.Join(tags, ","))
}

// Close releases the cache and audit connections
func (s *stack) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
	s.audit.Close()
}

func buildCache(cfg *config.Config, log *logger.Logger) cache.ResultCache {
	if !cfg.Cache.Enabled {
		return nil
	}

	local := cache.NewMemoryCache(cfg.Cache.TTL, cfg.Cache.CleanupInterval)
	if !cfg.Cache.Redis.Enabled {
		return local
	}

	shared, err := cache.NewRedisCache(redisConfig(cfg), log.WithComponent("cache").Logger)
	if err != nil {
		log.Warn("Redis cache unavailable, using memory cache only", zap.Error(err))
		return local
	}
	return cache.NewLayeredCache(local, shared)
}

func redisConfig(cfg *config.Config) cache.RedisConfig {
	return cache.RedisConfig{
		URL:            cfg.Cache.Redis.URL,
		MaxConnections: cfg.Cache.Redis.MaxConnections,
		MinIdleConns:   cfg.Cache.Redis.MinIdleConns,
		KeyPrefix:      cfg.Cache.Redis.KeyPrefix,
		TTL:            cfg.Cache.TTL,
	}
}

func buildAudit(cfg *config.Config, log *logger.Logger) audit.Recorder {
	if !cfg.Audit.Enabled {
		return audit.Nop{}
	}

	store, err := audit.NewStore(auditConfig(cfg), log.WithComponent("audit").Logger)
	if err != nil {
		log.Error("Audit store unavailable, audit records will be dropped", zap.Error(err))
		return audit.Nop{}
	}
	return store
}

func auditConfig(cfg *config.Config) audit.Config {
	return audit.Config{
		DatabaseURL:     cfg.Audit.DatabaseURL,
		MaxOpenConns:    cfg.Audit.MaxOpenConns,
		MaxIdleConns:    cfg.Audit.MaxIdleConns,
		ConnMaxLifetime: cfg.Audit.ConnMaxLifetime,
	}
}
