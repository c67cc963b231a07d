// Package api is the localhost control surface. The owning process binds a
// loopback HTTP server on the RPC port; a second invocation of the binary
// detects the bound port and turns into a thin client issuing safelisted
// commands against it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"project-mirage/internal/model"
)

// CommandExecutor runs one shell command by name. The shell implements this;
// the server only forwards safelisted names.
type CommandExecutor interface {
	Execute(name string, args map[string]string) (string, error)
}

// StatusSource exposes the scheduler counters without importing it.
type StatusSource interface {
	Status() model.QueueStatus
}

// remoteSafelist is the set of commands a remote client may run. Mutating
// commands stay with the owning process's own shell.
var remoteSafelist = map[string]bool{
	"help":  true,
	"list":  true,
	"tasks": true,
}

type ControlServer struct {
	executor CommandExecutor
	status   StatusSource
	log      *slog.Logger
	router   *chi.Mux
	srv      *http.Server
}

func NewControlServer(executor CommandExecutor, status StatusSource, log *slog.Logger) *ControlServer {
	s := &ControlServer{
		executor: executor,
		status:   status,
		log:      log.With("component", "control"),
	}
	s.router = chi.NewRouter()
	s.setupRoutes()
	return s
}

func (s *ControlServer) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackOnly)

	s.router.Get("/v1/ping", s.handlePing)
	s.router.Get("/v1/status", s.handleStatus)
	s.router.Post("/v1/execute", s.handleExecute)
	s.router.Handle("/metrics", promhttp.Handler())
}

// Start binds the loopback listener. A bind failure is returned synchronously
// so the caller can fall back to client mode.
func (s *ControlServer) Start(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server bind %s: %w", addr, err)
	}

	s.srv = &http.Server{Handler: s.router}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("control server failed", "error", err)
		}
	}()
	s.log.Info("control server listening", "addr", addr)
	return nil
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// loopbackOnly rejects anything not originating from this machine. The
// listener already binds 127.0.0.1; this guards against odd proxy setups.
func (s *ControlServer) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			s.log.Warn("external control request rejected", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExecuteRequest is the remote command envelope.
type ExecuteRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// ExecuteResponse carries the command's rendered output.
type ExecuteResponse struct {
	Output string `json:"output"`
}

func (s *ControlServer) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *ControlServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !remoteSafelist[req.Command] {
		s.log.Warn("remote command refused", "command", req.Command)
		http.Error(w, fmt.Sprintf("command %q is not available remotely", req.Command), http.StatusForbidden)
		return
	}

	out, err := s.executor.Execute(req.Command, req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Output: out})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// probeTimeout bounds the startup ownership check.
const probeTimeout = 2 * time.Second
