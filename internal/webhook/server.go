package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "github.com/mattjoyce/hookrelay/internal/webhook"
	maxRequestIDLen = 128
)

// Server represents the webhook HTTP server.
type Server struct {
	config   Config
	settings SettingsSource
	relayer  Relayer
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time

	pipeline *Pipeline
	router   *chi.Mux
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithClock replaces time.Now, used for signature freshness and health timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New creates a new webhook server instance.
func New(config Config, settings SettingsSource, relayer Relayer, logger *slog.Logger, opts ...Option) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   config,
		settings: settings,
		relayer:  relayer,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.pipeline = NewPipeline(relayer, s.tracer, s.metrics)
	s.router = s.setupRoutes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "max_body_size", s.config.MaxBodySize)

	// Run server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// setupRoutes configures the HTTP router. Every path is handled by
// handleInbound so that method dispatch stays in one place.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverer)

	r.Handle("/", http.HandlerFunc(s.handleInbound))
	r.Handle("/*", http.HandlerFunc(s.handleInbound))

	return r
}

// requestID reuses a caller-supplied X-Request-Id or generates one, and
// stores it where middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Log request (no body content for security)
		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoverer turns a panic into a JSON 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("panic while handling request",
				"panic", fmt.Sprint(rec),
				"request_id", middleware.GetReqID(r.Context()),
				"stack", string(debug.Stack()),
			)
			s.metrics.observeOutcome("internal_error")
			s.respondError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// handleInbound dispatches on method: GET /health, POST anything, 405 otherwise.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		s.handleHealth(w, r)
	case r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	default:
		w.Header().Set("Allow", allowedMethods)
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

// handleWebhook reads the body once and runs it through the pipeline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := middleware.GetReqID(ctx)
	logger := s.logger.With("request_id", id)

	settings, err := s.settings()
	if err != nil {
		logger.Error("failed to load settings", "error", err)
		s.metrics.observeOutcome("internal_error")
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	// Enforce body size limit
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		logger.Warn("failed to read request body", "error", err)
		s.metrics.observeOutcome("bad_request")
		s.respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		logger.Warn("request body too large", "limit", s.config.MaxBodySize)
		s.metrics.observeOutcome("payload_too_large")
		s.respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	reply := s.pipeline.Run(ctx, &Request{
		ID:       id,
		Body:     body,
		Header:   r.Header,
		Settings: settings,
		Now:      s.now(),
		Logger:   logger,
	})
	s.metrics.observeOutcome(reply.Outcome)
	s.writeReply(w, reply)
}

func (s *Server) writeReply(w http.ResponseWriter, reply Reply) {
	contentType := reply.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(reply.Status)
	if _, err := w.Write(reply.Body); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
