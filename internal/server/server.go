// Package server provides the HTTP server and routing for AdPilot. The API
// serves the dashboard collaborator: listing and deciding recommendations,
// triggering execution, and inspecting the change ledger and system health.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/adpilot/adpilot/internal/domain"
	"github.com/adpilot/adpilot/internal/modules/adsapi"
	"github.com/adpilot/adpilot/internal/modules/approval"
	"github.com/adpilot/adpilot/internal/modules/execution"
)

// ApprovalStore is the slice of the approval store the API needs.
type ApprovalStore interface {
	Get(id string) (domain.Recommendation, error)
	List(filter approval.ListFilter) ([]domain.Recommendation, error)
	Approve(id, approvedBy string, now time.Time) (domain.Recommendation, error)
	Reject(id, decidedBy, reason string, now time.Time) (domain.Recommendation, error)
}

// Executor runs approved recommendations. An empty mode selects the
// configured default.
type Executor interface {
	ExecuteRecommendation(ctx context.Context, id string, mode adsapi.Mode, caller string) (execution.Result, error)
	ExecuteBatch(ctx context.Context, ids []string, mode adsapi.Mode, caller string) (execution.BatchResult, error)
}

// ChangeReader reads the change ledger for the audit endpoints.
type ChangeReader interface {
	ChangesSince(since time.Time, limit int) ([]domain.ChangeRecord, error)
}

// Generator produces the pending proposal set on demand.
type Generator interface {
	Generate(ctx context.Context, customerID int64, snapshotDate string) ([]domain.Recommendation, error)
}

// Config holds server configuration.
type Config struct {
	Log            zerolog.Logger
	Port           int
	DevMode        bool
	CustomerID     int64
	Approvals      ApprovalStore
	Executor       Executor
	Changes        ChangeReader
	Generator      Generator
	SystemHandlers *SystemHandlers
}

// Server is the HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	customerID     int64
	approvals      ApprovalStore
	executor       Executor
	changes        ChangeReader
	generator      Generator
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		customerID:     cfg.CustomerID,
		approvals:      cfg.Approvals,
		executor:       cfg.Executor,
		changes:        cfg.Changes,
		generator:      cfg.Generator,
		systemHandlers: cfg.SystemHandlers,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP (rate limits are keyed per caller address)
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout: execution can retry for up to 90s, leave headroom
	s.router.Use(middleware.Timeout(120 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Decisions
		r.Post("/approve", s.handleApprove)
		r.Post("/reject", s.handleReject)

		// Execution
		r.Post("/execute-recommendation", s.handleExecuteRecommendation)
		r.Post("/execute-batch", s.handleExecuteBatch)

		// Inspection
		r.Get("/status/{id}", s.handleRecommendationStatus)
		r.Get("/recommendations", s.handleListRecommendations)
		r.Get("/changes", s.handleChanges)

		// System monitoring and manual triggers
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleSystemStatus)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
			r.Get("/logs", s.systemHandlers.HandleGetLogs)

			r.Post("/jobs/generate", s.handleTriggerGenerate)
		})
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
