// Package api provides the HTTP API server for the build farm.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/narvanalabs/buildfarm/internal/api/handlers"
	"github.com/narvanalabs/buildfarm/internal/api/health"
	"github.com/narvanalabs/buildfarm/internal/api/middleware"
	"github.com/narvanalabs/buildfarm/internal/auth"
	"github.com/narvanalabs/buildfarm/internal/queue"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
	"github.com/narvanalabs/buildfarm/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	queue         *queue.Service
	events        *scheduler.Handler
	auth          *auth.Service
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
}

// NewServer creates a new API server with the given dependencies. The
// checker reports on /health; extra components are registered on it by the caller.
func NewServer(cfg *config.Config, q *queue.Service, events *scheduler.Handler, authSvc *auth.Service, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		queue:         q,
		events:        events,
		auth:          authSvc,
		config:        cfg,
		logger:        logger,
		healthChecker: checker,
	}

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	queueHandler := handlers.NewQueueHandler(s.queue, s.events, s.logger)
	builderHandler := handlers.NewBuilderHandler(s.queue, s.events, s.logger)
	logHandler := handlers.NewLogTailHandler(s.queue, time.Second, s.logger)
	authMiddleware := middleware.NewAuthMiddleware(s.auth, s.logger)

	// Health check endpoint (no auth required)
	if s.healthChecker != nil {
		r.With(chimiddleware.Timeout(10*time.Second)).Get("/health", s.healthChecker.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		// Log streams stay open for the life of the build.
		r.Get("/queue/{id}/log", logHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(60 * time.Second))

			r.Post("/queue", queueHandler.Submit)
			r.Get("/queue/stats", queueHandler.Stats)
			r.Get("/queue/{id}", queueHandler.Get)
			r.Delete("/queue/{id}", queueHandler.Destroy)
			r.Post("/queue/{id}/score", queueHandler.Score)
			r.With(middleware.RequireAdmin(s.logger)).Put("/queue/{id}/score", queueHandler.SetScore)
			r.Post("/queue/{id}/assign", queueHandler.Assign)
			r.Post("/queue/{id}/reset", queueHandler.Reset)
			r.Post("/queue/{id}/outcome", queueHandler.Outcome)
			r.Get("/queue/{id}/estimate", queueHandler.Estimate)

			r.Get("/candidates", queueHandler.Candidates)

			r.Get("/builders/pool", builderHandler.Pool)
			r.Get("/builders/next-free", builderHandler.NextFree)
			r.Post("/builders/heartbeat", builderHandler.Heartbeat)
		})
	})

	s.router = r
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "buildfarm-api",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start starts the HTTP server and blocks until the context is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)

	// No write timeout: log tail streams outlive any fixed bound.
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
