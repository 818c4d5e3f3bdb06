package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Receiver is an HTTP server that accepts signed webhook deliveries.
type Receiver struct {
	config ReceiverConfig
	sink   Sink
	logger *slog.Logger
	server *http.Server
	now    func() time.Time

	verified atomic.Int64
}

// NewReceiver creates a receiver. A nil sink accepts and discards.
func NewReceiver(config ReceiverConfig, sink Sink, logger *slog.Logger) *Receiver {
	if config.MaxBodySize == 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Tolerance <= 0 {
		config.Tolerance = DefaultTolerance
	}
	if sink == nil {
		sink = SinkFunc(func(context.Context, Delivery) error { return nil })
	}
	return &Receiver{
		config: config,
		sink:   sink,
		logger: logger,
		now:    time.Now,
	}
}

// Handler returns the receiver's routes, for mounting or httptest.
func (s *Receiver) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the receiver HTTP server (blocking).
func (s *Receiver) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook receiver starting", "listen", s.config.Listen, "path", s.config.Path, "fail_first", s.config.FailFirst)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook receiver shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook receiver shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook receiver error: %w", err)
	}
}

func (s *Receiver) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.config.Path, s.handleDelivery)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Receiver) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"event_id", r.Header.Get(HeaderID),
		)
	})
}

func (s *Receiver) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	sig := SignatureFromHeaders(r.Header)
	if sig.Value == "" {
		s.logger.Warn("webhook signature missing", "path", r.URL.Path)
		s.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	if !Verify(s.config.Secret, body, sig, s.config.Tolerance, s.now()) {
		s.logger.Warn("webhook signature verification failed", "path", r.URL.Path, "event_id", r.Header.Get(HeaderID))
		s.respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	n := s.verified.Add(1)
	if n <= int64(s.config.FailFirst) {
		s.logger.Info("webhook delivery failed on purpose", "attempt", n, "fail_first", s.config.FailFirst)
		s.respondError(w, http.StatusInternalServerError, "simulated failure")
		return
	}

	d := Delivery{
		ID:         r.Header.Get(HeaderID),
		Event:      r.Header.Get(HeaderEvent),
		Payload:    json.RawMessage(body),
		ReceivedAt: s.now().UTC(),
	}
	if err := s.sink.Accept(r.Context(), d); err != nil {
		s.logger.Error("webhook sink rejected delivery", "event_id", d.ID, "error", err)
		s.respondError(w, http.StatusInternalServerError, "sink error")
		return
	}

	s.respondJSON(w, http.StatusOK, AcceptResponse{OK: true, ID: d.ID})
}

// respondJSON sends a JSON response.
func (s *Receiver) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Receiver) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
