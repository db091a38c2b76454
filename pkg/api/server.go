// Package api exposes the scenesmith HTTP surface: task submission and
// inspection, caller input, cancellation, and live progress streams over
// SSE and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scenesmith/scenesmith/pkg/artifact"
	"github.com/scenesmith/scenesmith/pkg/bus"
	"github.com/scenesmith/scenesmith/pkg/errors"
	"github.com/scenesmith/scenesmith/pkg/logging"
	"github.com/scenesmith/scenesmith/pkg/orchestrator"
	"github.com/scenesmith/scenesmith/pkg/task"
)

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr to listen on (default 127.0.0.1:8711).
	Addr string

	// Orchestrator drives task lifecycles.
	Orchestrator *orchestrator.Orchestrator

	// Tasks is read directly for task views.
	Tasks task.Store

	// Artifacts is read directly for artifact views.
	Artifacts artifact.Store

	// Bus carries progress events to the stream handlers.
	Bus bus.MessageBus

	// Logger for request logging; nil discards.
	Logger *logging.Logger

	// HeartbeatInterval for streams; default 30s.
	HeartbeatInterval time.Duration
}

// Server is the scenesmith API server.
type Server struct {
	orch       *orchestrator.Orchestrator
	tasks      task.Store
	artifacts  artifact.Store
	bus        bus.MessageBus
	logger     *logging.Logger
	heartbeat  time.Duration
	httpServer *http.Server
}

// NewServer creates the API server with all routes registered.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8711"
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}

	s := &Server{
		orch:      cfg.Orchestrator,
		tasks:     cfg.Tasks,
		artifacts: cfg.Artifacts,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		heartbeat: cfg.HeartbeatInterval,
	}

	r := chi.NewRouter()
	r.Use(s.withLogging)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/tasks/{id}/artifacts", s.handleListArtifacts)
		r.Post("/tasks/{id}/input", s.handleProvideInput)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Post("/tasks/{id}/resubmit", s.handleResubmitTask)
		r.Get("/tasks/{id}/events", s.handleTaskEvents)
		r.Get("/tasks/{id}/ws", s.handleTaskWebSocket)
		r.Get("/artifacts/{id}", s.handleGetArtifact)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-lived streams
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(logging.CategoryAPI, "http_request", "", r.Method+" "+r.URL.Path, map[string]any{
			"remote":   r.RemoteAddr,
			"duration": time.Since(start).String(),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStructuredError maps the error taxonomy onto HTTP statuses.
func writeStructuredError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeTaskNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeTaskTerminal, errors.ErrCodeIllegalTransition, errors.ErrCodeDuplicateTask:
		status = http.StatusConflict
	}
	writeError(w, status, errors.UserMessage(err))
}
