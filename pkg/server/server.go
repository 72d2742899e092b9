// Package server exposes the gateway over HTTP: chat streaming, worker
// reports, interrupts, and administrative control.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/swarmgate/swarmgate/pkg/agent"
	"github.com/swarmgate/swarmgate/pkg/config"
	"github.com/swarmgate/swarmgate/pkg/engine"
	"github.com/swarmgate/swarmgate/pkg/llms"
	"github.com/swarmgate/swarmgate/pkg/observability"
	"github.com/swarmgate/swarmgate/pkg/recovery"
	"github.com/swarmgate/swarmgate/pkg/tools"
)

// RegisteredAgent is a worker known to the gateway.
type RegisteredAgent struct {
	ID            string    `json:"id"`
	Role          string    `json:"role"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Server wires every subsystem behind the HTTP surface.
type Server struct {
	cfg      config.ServerConfig
	driver   *agent.Driver
	engine   *engine.Engine
	recovery *recovery.Manager
	router   *llms.Router
	backends *llms.BackendRegistry
	broker   *tools.InterruptBroker
	metrics  observability.Metrics

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*agent.Session
	agents   map[string]*RegisteredAgent
}

func New(cfg config.ServerConfig, driver *agent.Driver, eng *engine.Engine, rec *recovery.Manager, router *llms.Router, backends *llms.BackendRegistry, broker *tools.InterruptBroker, metrics observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		driver:   driver,
		engine:   eng,
		recovery: rec,
		router:   router,
		backends: backends,
		broker:   broker,
		metrics:  metrics,
		sessions: make(map[string]*agent.Session),
		agents:   make(map[string]*RegisteredAgent),
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/backends", s.handleListBackends)

		r.Post("/agents/register", s.handleRegisterAgent)
		r.Post("/agents/{id}/heartbeat", s.handleHeartbeat)

		r.Post("/chat", s.handleChat)
		r.Post("/chat/{session}/cancel", s.handleCancel)

		r.Post("/reports", s.handleReport)
		r.Post("/interrupts/{id}/answer", s.handleInterruptAnswer)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/tasks/{id}/pause", s.handlePause)
			r.Post("/tasks/{id}/resume", s.handleResume)
			r.Post("/tasks/pause-all", s.handlePauseAll)
			r.Post("/tasks/resume-all", s.handleResumeAll)
			r.Post("/tasks/{id}/checkpoint", s.handleCheckpoint)
			r.Post("/tasks/{id}/restore/{checkpoint}", s.handleRestore)
			r.Post("/tasks/{id}/subtasks/{subtask}/rollback", s.handleRollback)
			r.Post("/health-cache/invalidate", s.handleInvalidateHealth)
		})
	})

	return r
}

// Start runs the HTTP server until the context ends, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// logRequests logs without wrapping the ResponseWriter, which would break
// http.Flusher for SSE.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
