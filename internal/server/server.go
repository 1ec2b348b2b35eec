// Package server exposes the anonymization gateway over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/hebrew-safe-harbor/internal/config"
	"github.com/raaihank/hebrew-safe-harbor/internal/document"
	"github.com/raaihank/hebrew-safe-harbor/internal/events"
	"github.com/raaihank/hebrew-safe-harbor/internal/filebatch"
	"github.com/raaihank/hebrew-safe-harbor/internal/gateway"
	"github.com/raaihank/hebrew-safe-harbor/internal/logger"
	"github.com/raaihank/hebrew-safe-harbor/internal/readiness"
	"github.com/raaihank/hebrew-safe-harbor/internal/report"
)

// Anonymizer processes batches for the HTTP handlers
type Anonymizer interface {
	Process(ctx context.Context, docs []document.InputDocument) ([]document.OutputDocument, error)
	Stats() gateway.Stats
	EngineName() string
}

// Deps are the components the server serves
type Deps struct {
	Gateway Anonymizer
	Tracker *readiness.Tracker
	Runner  *filebatch.Runner
	Hub     *events.Hub
	Version string
}

// Server is the HTTP façade
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	gateway Anonymizer
	tracker *readiness.Tracker
	runner  *filebatch.Runner
	hub     *events.Hub
	limiter *RateLimiter
	proxies []netip.Prefix
	version string
	router  *mux.Router
	server  *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("server"),
		gateway: deps.Gateway,
		tracker: deps.Tracker,
		hub:     deps.Hub,
		version: deps.Version,
		router:  mux.NewRouter(),
	}

	if deps.Runner != nil {
		s.runner = deps.Runner.WithFormat(report.FormatJSON)
	}
	if cfg.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.RateLimit.RequestsPerMin, cfg.RateLimit.Burst)
	}
	if proxies, err := cfg.RateLimit.TrustedPrefixes(); err == nil {
		s.proxies = proxies
	} else {
		s.logger.Warn("Ignoring trusted proxies", zap.Error(err))
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	s.router.Handle("/query", s.rateLimit(http.HandlerFunc(s.handleQuery))).Methods(http.MethodPost)
	s.router.Handle("/presidiofile", s.rateLimit(http.HandlerFunc(s.handlePresidioFile))).Methods(http.MethodPost)

	if s.hub != nil && s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.hub.HandleWebSocket).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs background workers and serves until the server is stopped
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting Hebrew Safe Harbor server",
		zap.Int("port", s.config.Server.Port),
		zap.String("engine", s.gateway.EngineName()),
		zap.Bool("rate_limit", s.limiter != nil),
		zap.Bool("websocket", s.hub != nil && s.config.WebSocket.Enabled),
	)

	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	if s.limiter != nil {
		s.limiter.StartCleanup(ctx, 10*time.Minute)
	}

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping Hebrew Safe Harbor server")
	return s.server.Shutdown(ctx)
}
