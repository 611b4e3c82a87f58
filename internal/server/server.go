// Package server is the ops HTTP surface: health, Prometheus metrics, job
// status and the admin API that enqueues work and submits payout claims.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
	"github.com/alanyoungcy/marketforge/internal/server/handler"
	"github.com/alanyoungcy/marketforge/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr string
	// APIKey guards /api routes; empty disables authentication.
	APIKey             string
	RateLimitPerMinute int
}

// Handlers aggregates the HTTP handlers the server registers. Health and
// Jobs are required; the routes of the others are only mounted when set.
type Handlers struct {
	Health   *handler.HealthHandler
	Jobs     *handler.JobHandler
	Triggers *handler.TriggerHandler
	Claims   *handler.ClaimHandler
	Events   *handler.EventsHandler
	Metrics  http.Handler
}

// Server is the ops HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the API routes in auth and rate
// limiting. Health and metrics stay public for probes and scrapers.
func NewServer(cfg Config, h Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	api := http.NewServeMux()
	api.HandleFunc("GET /api/jobs/{id}", h.Jobs.GetJob)
	api.HandleFunc("GET /api/queues", h.Jobs.QueueStats)
	if h.Triggers != nil {
		api.HandleFunc("POST /api/markets/generate", h.Triggers.GenerateMarkets)
		api.HandleFunc("POST /api/markets/{id}/resolve", h.Triggers.ResolveMarket)
		api.HandleFunc("POST /api/avatars", h.Triggers.ProcessAvatar)
	}
	if h.Events != nil {
		api.HandleFunc("GET /api/audit", h.Events.ListAudit)
		api.HandleFunc("GET /api/jobs/dead", h.Events.DeadLetters)
		api.HandleFunc("GET /api/events", h.Events.Stream)
	}
	if h.Claims != nil {
		api.HandleFunc("POST /api/claims", h.Claims.Claim)
		api.HandleFunc("GET /api/operators/{wallet}", h.Claims.Approval)
	}

	var apiHandler http.Handler = api
	apiHandler = middleware.Auth(cfg.APIKey)(apiHandler)
	if limiter != nil {
		apiHandler = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(apiHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health.HealthCheck)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	mux.Handle("/api/", apiHandler)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.Logging(logger, "/healthz", "/metrics")(mux),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, logger: logger}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
