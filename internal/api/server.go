package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a-laz/transactly/internal/auth"
	"github.com/a-laz/transactly/internal/events"
	"github.com/a-laz/transactly/internal/idempotency"
	"github.com/a-laz/transactly/internal/metrics"
	"github.com/a-laz/transactly/internal/outbox"
	"github.com/a-laz/transactly/internal/quota"
)

// OutboxService is the outbox surface used by the HTTP handlers.
type OutboxService interface {
	Enqueue(ctx context.Context, ev outbox.Event) (string, error)
	List(ctx context.Context, f outbox.Filter) ([]outbox.Row, error)
	ListDead(ctx context.Context, limit int) ([]outbox.DeadLetter, error)
	Requeue(ctx context.Context, id string) error
	Replay(ctx context.Context, dlqID string) (string, error)
	Depth(ctx context.Context) (int, error)
}

// KeyService manages persisted API keys.
type KeyService interface {
	Create(ctx context.Context, req auth.CreateKeyRequest) (*auth.APIKey, string, error)
	ListByProject(ctx context.Context, projectID string) ([]*auth.APIKey, error)
	Revoke(ctx context.Context, id string) error
}

// QuotaService manages per-project quota overrides.
type QuotaService interface {
	Upsert(ctx context.Context, o quota.Override) (quota.Override, error)
	List(ctx context.Context, projectID string) ([]quota.Override, error)
	Delete(ctx context.Context, projectID string, period quota.Period) error
}

// Config holds API server configuration
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// AdminKey guards /api/webhooks and /api/admin. Empty locks them.
	AdminKey string
	// InvoiceTarget receives invoice.created webhooks. Empty disables them.
	InvoiceTarget string
}

// Deps are the admission layers and stores the server wires together.
type Deps struct {
	Gate        *auth.Gate
	Limiter     *quota.Limiter
	Idempotency *idempotency.Cache
	Outbox      OutboxService
	// Keys is optional; without it the key admin routes are not mounted.
	Keys KeyService
	// Quotas is optional; without it the quota admin routes are not mounted.
	Quotas QuotaService
	Events *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	validate  *validator.Validate
	startedAt time.Time
	now       func() time.Time

	once    sync.Once
	handler http.Handler
	server  *http.Server
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 10 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger.With("component", "api"),
		validate:  validate,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Handler returns the routed handler, building it on first use.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() { s.handler = s.setupRoutes() })
	return s.handler
}

// httpServer builds the listener config. The SSE handler lifts the write
// deadline for its own connection.
func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = s.httpServer()

	s.logger.Info("API server starting", "listen", s.config.Listen)

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

	// Public.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/docs", s.handleDocs)
	r.Get("/api/docs-swagger", s.handleDocs)
	r.Get("/api/openapi.yaml", s.handleOpenAPI)

	// Client API: auth, then quota, then replay cache.
	r.Group(func(r chi.Router) {
		r.Use(s.deps.Gate.Middleware(s.logger))
		r.Use(markIdentified)
		r.Use(quota.Middleware(s.deps.Limiter, s.logger, func(string) {
			metrics.RateLimitedTotal.Inc()
		}))
		r.Use(s.deps.Idempotency.Middleware)
		r.Post("/api/invoices", s.handleCreateInvoice)
	})

	// Operator API.
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin(s.config.AdminKey))
		r.Route("/api/webhooks", func(r chi.Router) {
			r.Get("/outbox", s.handleListOutbox)
			r.Get("/dlq", s.handleListDLQ)
			r.Post("/requeue/{id}", s.handleRequeue)
			r.Post("/replay/{dlqID}", s.handleReplay)
			r.Get("/events", s.handleEvents)
		})
		if s.deps.Keys != nil {
			r.Route("/api/admin/keys", func(r chi.Router) {
				r.Post("/", s.handleCreateKey)
				r.Get("/", s.handleListKeys)
				r.Post("/{id}/revoke", s.handleRevokeKey)
			})
		}
		if s.deps.Quotas != nil {
			r.Route("/api/admin/quotas", func(r chi.Router) {
				r.Post("/", s.handleUpsertQuota)
				r.Get("/", s.handleListQuotas)
				r.Delete("/{projectId}/{period}", s.handleDeleteQuota)
			})
		}
	})

	return r
}
