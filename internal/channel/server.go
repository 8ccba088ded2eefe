// Package channel serves the HTTP and WebSocket surface of suppliersync.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"suppliersync/internal/bus"
	"suppliersync/internal/domain"
	"suppliersync/internal/followup"
	"suppliersync/internal/lifecycle"
	"suppliersync/internal/metrics"
	"suppliersync/internal/resume"
	"suppliersync/internal/security"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// ServerConfig configures the listener.
type ServerConfig struct {
	Host        string
	Port        int
	QueueSize   int
	MetricsPath string // empty disables /metrics
	Version     string
	Logger      *slog.Logger
}

// Deps are the services behind the routes. Verifier may be nil to disable
// authentication.
type Deps struct {
	Store       domain.Store
	Lifecycle   *lifecycle.Service
	Coordinator *resume.Coordinator
	Scheduler   *followup.Scheduler
	Registry    *bus.ThreadRegistry
	Notifier    *bus.Notifier
	Verifier    domain.CredentialVerifier
}

// Server exposes the REST API, the observer WebSocket and the ops endpoints.
type Server struct {
	cfg     ServerConfig
	deps    Deps
	logger  *slog.Logger
	started time.Time
	server  *http.Server
}

func NewServer(cfg ServerConfig, deps Deps) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  cfg.Logger.With("component", "http"),
		started: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	auth := security.Middleware(s.deps.Verifier, writeErrorMessage)
	guard := func(h http.HandlerFunc) http.Handler { return auth(h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.MetricsPath != "" {
		mux.HandleFunc("GET "+s.cfg.MetricsPath, metrics.Collector.Handler())
	}

	mux.Handle("GET /ws/conversations/{thread_id}", guard(s.handleConversation))
	mux.Handle("GET /ws/connections/active", guard(s.handleActiveConnections))

	mux.Handle("POST /api/v1/requests", guard(s.handleCreateRequest))
	mux.Handle("GET /api/v1/requests/{id}", guard(s.handleGetRequest))
	mux.Handle("GET /api/v1/requests/{id}/responses", guard(s.handleListResponses))
	mux.Handle("GET /api/v1/requests/{id}/triggers", guard(s.handleListTriggers))
	mux.Handle("POST /api/v1/requests/{id}/responses", guard(s.handleRespond))
	mux.Handle("POST /api/v1/requests/{id}/cancel", guard(s.handleCancel))
	mux.Handle("POST /api/v1/requests/{id}/expire", guard(s.handleExpire))
	mux.Handle("GET /api/v1/requests/{id}/schedules", guard(s.handleListSchedules))
	mux.Handle("POST /api/v1/requests/{id}/schedules", guard(s.handleCreateSchedule))
	mux.Handle("POST /api/v1/schedules/{id}/follow-ups", guard(s.handleNextFollowUp))
	mux.Handle("POST /api/v1/follow-ups/{id}/sent", guard(s.handleMarkSent))
	mux.Handle("POST /api/v1/triggers/{id}/retry", guard(s.handleRetryTrigger))
	mux.Handle("POST /api/v1/threads/{thread_id}/messages", guard(s.handleThreadMessage))
	mux.Handle("POST /api/v1/threads/{thread_id}/status", guard(s.handleThreadStatus))
	mux.Handle("DELETE /api/v1/suppliers/{supplier_id}", guard(s.handleDeleteSupplier))
	return mux
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server starting", "addr", addr, "auth", s.deps.Verifier != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.deps.Registry.Close()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.cfg.Version,
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"total_connections": snap.TotalConnections,
	})
}

func (s *Server) handleActiveConnections(w http.ResponseWriter, r *http.Request) {
	if !s.requireRole(w, r, security.RoleOperator, security.RoleWorkflow) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrAlreadyResuming):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeErrorMessage(w, status, "internal error")
		return
	}
	writeErrorMessage(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.InvalidInputf("decode body: %v", err)
	}
	return nil
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeBody(w, r, v)
}

func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	p, _ := security.PrincipalFrom(r.Context())
	if !security.HasRole(p, roles...) {
		writeErrorMessage(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// requireSupplier checks that the caller may act on supplierID.
func (s *Server) requireSupplier(w http.ResponseWriter, r *http.Request, supplierID string) bool {
	p, _ := security.PrincipalFrom(r.Context())
	if !security.Allows(p, supplierID) {
		writeErrorMessage(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
