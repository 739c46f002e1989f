package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/parallelproof/parallelproof/internal/broadcast"
	"github.com/parallelproof/parallelproof/internal/domain"
)

// Orchestrator is the task surface the API exposes.
type Orchestrator interface {
	Submit(ctx context.Context, code, language string, numAgents int) (*domain.Task, error)
	Snapshot(taskID string) (*domain.Task, []*domain.AgentRun, error)
}

// Pinger reports persistent store connectivity for the health check.
type Pinger interface {
	Ping() error
}

// Server is the HTTP API server
type Server struct {
	orch   Orchestrator
	hub    *broadcast.Hub
	store  Pinger
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewServer creates a new API server
func NewServer(orch Orchestrator, hub *broadcast.Hub, store Pinger, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		orch:   orch,
		hub:    hub,
		store:  store,
		addr:   addr,
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/optimize", s.optimizeHandler())
	s.mux.HandleFunc("/api/tasks/", s.taskHandler())
	s.mux.HandleFunc("/api/health", s.healthHandler())
	s.mux.HandleFunc("/ws/", s.wsHandler())
}

// Handler exposes the routed mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
