// Package server provides the HTTP server for the lookup API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hlameta/hlameta/internal/config"
	"github.com/hlameta/hlameta/internal/handler"
	"github.com/hlameta/hlameta/internal/health"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/middleware"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthChecker
	errorHandler *handler.ErrorHandler
	metrics      *metrics.Metrics
	cfg          config.ServerConfig
	logger       *zap.Logger
}

// NewServer creates a new HTTP server with its routes configured.
func NewServer(
	cfg config.ServerConfig,
	handlers *handler.Handlers,
	errorHandler *handler.ErrorHandler,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		handlers:     handlers,
		healthCheck:  healthCheck,
		errorHandler: errorHandler,
		metrics:      m,
		cfg:          cfg,
		logger:       logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
		middleware.Timeout(s.cfg.WriteTimeout),
	)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	datasets := v1.PathPrefix("/datasets/{dataset}").Subrouter()
	datasets.HandleFunc("/versions", s.handlers.ListVersions).Methods(http.MethodGet)

	version := datasets.PathPrefix("/versions/{version}").Subrouter()
	version.HandleFunc("/loci/{locus}/{method}/{name}", s.handlers.GetEntry).Methods(http.MethodGet)
	version.HandleFunc("/entries", s.handlers.ListEntries).Methods(http.MethodGet)
	version.HandleFunc("/cache", s.handlers.InvalidateCache).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorResponse{
			ErrorCode: "NOT_FOUND",
			Message:   "endpoint not found",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorResponse{
			ErrorCode: "METHOD_NOT_ALLOWED",
			Message:   "method not allowed",
			RequestID: r.Header.Get("X-Request-ID"),
		})
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (s *Server) ShutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout <= 0 {
		return 30 * time.Second
	}
	return s.cfg.ShutdownTimeout
}
