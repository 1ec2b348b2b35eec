package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/events"
	"github.com/raaihank/hebrew-safe-harbor/internal/filebatch"
	"github.com/raaihank/hebrew-safe-harbor/internal/gateway"
	"github.com/raaihank/hebrew-safe-harbor/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the HTTP API. The engine loads in the background; /ready reports
503 until it is ready, then 200, or 500 if loading failed.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting Hebrew Safe Harbor",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub *events.Hub
	var observer gateway.Observer
	if cfg.WebSocket.Enabled {
		hub = events.NewHub(cfg.WebSocket, log.WithComponent("events").Logger)
		observer = hub
	}

	stack := buildStack(ctx, cfg, log, observer)
	defer stack.Close()
	if hub != nil {
		hub.WatchReadiness(ctx, stack.tracker)
	}

	runner, err := filebatch.NewRunner(stack.gateway, cfg.Files, log.WithComponent("filebatch").Logger)
	if err != nil {
		return err
	}

	srv := server.New(cfg, log, server.Deps{
		Gateway: stack.gateway,
		Tracker: stack.tracker,
		Runner:  runner,
		Hub:     hub,
		Version: version,
	})

	if err := config.Watch(func(newConfig *config.Config) {
		if err := log.SetLevel(newConfig.Logging.Level); err != nil {
			log.Warn("Ignoring invalid log level", zap.String("level", newConfig.Logging.Level))
			return
		}
		log.Info("Configuration reloaded", zap.String("log_level", newConfig.Logging.Level))
	}); err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
			return err
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
			return err
		}
		log.Info("Server shutdown complete")
	}
	return nil
}
