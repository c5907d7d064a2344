// Package api serves a read-only HTTP view of a running pool: health, worker
// snapshots and a live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/scheduler"
	"github.com/mattjoyce/pipepulse/internal/supervisor"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

// Pool is the part of the supervisor the API reads.
type Pool interface {
	Workers() []worker.Snapshot
	LaunchFailures() []supervisor.LaunchFailure
	SchedulerStates() []scheduler.EntryStatus
	Period() time.Duration
}

// EventSource feeds /events.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	SubscribePrefix(prefixes ...string) (<-chan events.Event, func())
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, is required as a bearer token on every route but /healthz.
	Token string
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	pool      Pool
	events    EventSource
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, pool Pool, source EventSource, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		pool:      pool,
		events:    source,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.Token != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/workers", s.handleWorkers)
		r.Get("/workers/{id}", s.handleWorker)
		r.Get("/events", s.handleEvents)
		r.Get("/openapi.json", s.handleOpenAPI)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
