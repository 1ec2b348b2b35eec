package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/raaihank/hebrew-safe-harbor/internal/audit"
	"github.com/raaihank/hebrew-safe-harbor/internal/cache"
	"github.com/raaihank/hebrew-safe-harbor/internal/config"
)

var (
	healthURL   string
	auditLimit  int
	healthReady bool
)

var healthCheckCmd = &cobra.Command{
	Use:   "health-check",
	Short: "Check a running server and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/health"
		if healthReady {
			path = "/ready"
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(healthURL + path)
		if err != nil {
			return &exitError{code: 1, message: fmt.Sprintf("Health check failed: %v", err)}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &exitError{code: 1, message: fmt.Sprintf("Health check failed: HTTP %d", resp.StatusCode)}
		}

		fmt.Println("Health check passed")
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "cache-clear",
	Short: "Remove cached engine results from Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		rc, err := cache.NewRedisCache(redisConfig(cfg), log.WithComponent("cache").Logger)
		if err != nil {
			return err
		}
		defer rc.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := rc.Clear(ctx); err != nil {
			return err
		}

		fmt.Println("Cache cleared")
		return nil
	},
}

var auditRecentCmd = &cobra.Command{
	Use:   "audit-recent",
	Short: "Print the most recent audit records as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer log.Sync()

		if cfg.Audit.DatabaseURL == "" {
			return fmt.Errorf("audit.database_url is not configured")
		}
		store, err := audit.NewStore(auditConfig(cfg), log.WithComponent("audit").Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		records, err := store.Recent(ctx, auditLimit)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	},
}

func init() {
	defaults := config.GetDefaults()
	healthCheckCmd.Flags().StringVar(&healthURL, "url", fmt.Sprintf("http://localhost:%d", defaults.Server.Port), "base URL of the server")
	healthCheckCmd.Flags().BoolVar(&healthReady, "ready", false, "require the engine to be ready")
	auditRecentCmd.Flags().IntVar(&auditLimit, "limit", 20, "number of records")

	rootCmd.AddCommand(healthCheckCmd, cacheClearCmd, auditRecentCmd)
}
