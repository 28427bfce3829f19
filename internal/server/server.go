// Package server exposes the orchestrator's coordinator, optimizer,
// reallocation engine, monitor and store over an authenticated,
// rate-limited HTTP + WebSocket API (spec §6), using the teacher's chi
// middleware stack and handler-struct conventions.
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

	"github.com/aristath/protocol-yield-orchestrator/internal/apikeyauth"
	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
	"github.com/aristath/protocol-yield-orchestrator/internal/events"
	"github.com/aristath/protocol-yield-orchestrator/internal/hostmetrics"
	"github.com/aristath/protocol-yield-orchestrator/internal/ratelimit"
)

// Config wires every collaborator the API surface depends on. Nothing in
// this package holds a back-reference to anything above it (design note,
// "avoid back-references").
type Config struct {
	Log          zerolog.Logger
	Coordinator  MetricsSource
	Optimizer    PlanSource
	Reallocation Reallocator
	Monitor      DashboardSource
	Store        PersistSource
	Auth         *apikeyauth.Verifier
	Limiter      *ratelimit.Limiter
	Bus          *events.Bus
	HostMetrics  *hostmetrics.Reader
	Bounds       map[string]domain.Bounds

	Host           string
	Port           int
	RequestTimeout time.Duration
	DevMode        bool

	// PushInterval is the WebSocket MetricsUpdate cadence (spec §6.2
	// default 5s). Zero uses the spec default.
	PushInterval time.Duration
}

// Server hosts the HTTP API and WebSocket endpoint.
type Server struct {
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger
	cfg    Config
}

// New builds a Server with every route registered, ready for Start.
func New(cfg Config) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !s.cfg.DevMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Auth.Middleware(false))
			r.Use(s.rateLimitMiddleware)
			r.Get("/status", s.handleStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Auth.Middleware(true))
			r.Use(s.rateLimitMiddleware)
			r.Use(apikeyauth.RequirePermission(domain.PermissionRead))
			r.Get("/metrics", s.handleMetrics)
			r.Get("/metrics/history", s.handleMetricsHistory)
			r.Get("/opportunities", s.handleOpportunities)
			r.Get("/allocation", s.handleAllocation)
			r.Get("/reallocation/history", s.handleReallocationHistory)
			r.Get("/dashboard", s.handleDashboard)
			r.Get("/alerts", s.handleListAlerts)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Auth.Middleware(true))
			r.Use(s.rateLimitMiddleware)
			r.Use(apikeyauth.RequirePermission(domain.PermissionWrite))
			r.Post("/reallocate", s.handleReallocate)
			r.Post("/alerts/acknowledge", s.handleAcknowledgeAlert)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Auth.Middleware(true))
			r.Use(s.rateLimitMiddleware)
			r.Use(apikeyauth.RequirePermission(domain.PermissionAdmin))
			r.Post("/admin/keys", s.handleCreateApiKey)
			r.Get("/admin/keys", s.handleListApiKeys)
			r.Get("/admin/keys/{id}", s.handleGetApiKey)
			r.Put("/admin/keys/{id}", s.handleUpdateApiKey)

			r.Group(func(r chi.Router) {
				r.Use(apikeyauth.RequirePermission(domain.PermissionDelete))
				r.Delete("/admin/keys/{id}", s.handleDeleteApiKey)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.cfg.Auth.Middleware(true))
			r.Use(s.rateLimitMiddleware)
			r.Get("/ws", s.handleWebSocket)
		})
	})
}

// ServeHTTP dispatches a request through the router, so a Server can be
// used directly as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start begins serving. It blocks until the listener stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("starting HTTP server")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.http.Shutdown(ctx)
}

// loggingMiddleware logs one line per request, mirroring the teacher's
// wrapped-response-writer pattern.
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
			Msg("http request")
	})
}

// unauthenticatedRateLimitPerMinute bounds callers with no verified key
// (only /status reaches this), keyed by remote address.
const unauthenticatedRateLimitPerMinute = 60

// rateLimitMiddleware enforces the per-key requests-per-minute quota
// (spec §6.1, invariant S4). It must run after auth so a verified key's
// own configured quota is available in the request context.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bucket, limit := r.RemoteAddr, unauthenticatedRateLimitPerMinute
		if key, ok := apikeyauth.FromContext(r.Context()); ok {
			bucket, limit = key.ID, key.RateLimitPerMinute
		}
		allowed, retryAfter := s.cfg.Limiter.Allow(bucket, limit)
		if !allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeErr(w, http.StatusTooManyRequests, "RATE_LIMITED", (&domain.RateLimitError{RetryAfterSeconds: retryAfter}).Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
