package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opensource-finance/heron/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies, version string) *Server {
	handler := NewHandler(deps, version)
	router := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware stack
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", TenantIDHeader, RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader, TraceIDHeader},
		MaxAge:         300,
	}))
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression
	if cfg.RateLimit > 0 {
		router.Use(NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst).Middleware)
	}

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Rule table
		r.Get("/circulation/rules", handler.GetCirculationRules)
		r.Put("/circulation/rules", handler.PutCirculationRules)
		r.Get("/circulation/rules/apply", handler.ApplyRules)
		for _, kind := range domain.PolicyKinds {
			r.Get("/circulation/rules/"+kind.URLName()+"-policy", handler.ApplyKindRule(kind))
		}

		// Policy storage
		r.Post("/policies/{kind}", handler.CreatePolicy)
		r.Get("/policies/{kind}", handler.ListPolicies)
		r.Get("/policies/{kind}/{id}", handler.GetPolicy)
		r.Delete("/policies/{kind}/{id}", handler.DeletePolicy)

		// Fixed due date schedules
		r.Post("/fixed-due-date-schedules", handler.CreateSchedule)
		r.Get("/fixed-due-date-schedules/{id}", handler.GetSchedule)

		// Loan calculations
		r.Post("/loans/due-date", handler.DueDate)
		r.Post("/loans/overdue", handler.Overdue)
		r.Post("/loans/policies", handler.LoanPolicies)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
