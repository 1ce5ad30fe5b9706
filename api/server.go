// Package api exposes the orchestrator over HTTP/JSON. Handlers validate
// inputs, translate service errors into status codes, and tag every
// response with a request ID.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskorch/taskorch/orchestrator"
)

// maxRequestBodySize limits POST body sizes to prevent DoS.
const maxRequestBodySize = 1 << 20 // 1 MB

// Request metadata headers.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderUserID    = "X-User-Id"

	// HeaderDeadline carries an RFC 3339 request deadline; expired
	// requests are rejected before any work starts.
	HeaderDeadline = "X-Request-Deadline"
)

// Pinger reports storage health for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP surface to the orchestrator service.
type Server struct {
	service *orchestrator.Service
	db      Pinger
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock overrides the clock; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates the HTTP adapter. db may be nil; the health endpoint
// then skips the storage probe.
func NewServer(service *orchestrator.Service, db Pinger, opts ...Option) *Server {
	s := &Server{
		service: service,
		db:      db,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks/batch", s.handleBatchCreate)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /api/tasks/{id}/lineage", s.handleGetLineage)
	mux.HandleFunc("GET /api/tasks/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates/{template_id}/tasks", s.handleCreateFromTemplate)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withRequestMetadata(mux)
}

// withRequestMetadata echoes or mints the request ID, rejects requests
// whose declared deadline has already passed, and logs each request.
func (s *Server) withRequestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, requestID)

		if deadline := r.Header.Get(HeaderDeadline); deadline != "" {
			when, err := time.Parse(time.RFC3339, deadline)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_argument",
					"invalid "+HeaderDeadline+" header: "+err.Error())
				return
			}
			if !when.After(s.now()) {
				writeJSONError(w, http.StatusGatewayTimeout, "deadline_exceeded",
					"request deadline passed (request "+requestID+")")
				return
			}
		}

		start := s.now()
		next.ServeHTTP(w, r.WithContext(withRequestID(r.Context(), requestID)))

		s.logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestID,
			"duration", time.Since(start))
	})
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request ID minted for this request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// handleHealth reports process and storage health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			status["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			status["database"] = "ok"
		}
	}

	writeJSON(w, code, status)
}
