package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// OptimizeRequest is the submission payload.
type OptimizeRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	NumAgents int    `json:"num_agents"`
}

// OptimizeResponse acknowledges an accepted task.
type OptimizeResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskResponse is the full task snapshot.
type TaskResponse struct {
	ID          string             `json:"id"`
	Language    string             `json:"language"`
	NumAgents   int                `json:"num_agents"`
	Status      string             `json:"status"`
	BestRunID   string             `json:"best_run_id,omitempty"`
	CreatedAt   string             `json:"created_at"`
	CompletedAt *string            `json:"completed_at,omitempty"`
	Agents      []AgentRunResponse `json:"agents"`
}

// AgentRunResponse is one agent run inside a snapshot.
type AgentRunResponse struct {
	AgentID        string              `json:"agent_id"`
	Strategy       string              `json:"strategy"`
	Status         string              `json:"status"`
	OptimizedCode  string              `json:"optimized_code,omitempty"`
	Explanation    string              `json:"explanation,omitempty"`
	Before         *domain.Measurement `json:"before,omitempty"`
	After          *domain.Measurement `json:"after,omitempty"`
	ImprovementPct *float64            `json:"improvement_pct,omitempty"`
	Error          string              `json:"error,omitempty"`
}

func taskToResponse(t *domain.Task, runs []*domain.AgentRun) TaskResponse {
	resp := TaskResponse{
		ID:        t.ID,
		Language:  t.Language,
		NumAgents: t.NumAgents,
		Status:    string(t.Status),
		BestRunID: t.BestRunID,
		CreatedAt: t.CreatedAt.Format(time.RFC3339),
		Agents:    make([]AgentRunResponse, 0, len(runs)),
	}
	if t.CompletedAt != nil {
		c := t.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &c
	}
	for _, r := range runs {
		resp.Agents = append(resp.Agents, runToResponse(r))
	}
	return resp
}

func runToResponse(r *domain.AgentRun) AgentRunResponse {
	resp := AgentRunResponse{
		AgentID:       r.AgentID,
		Strategy:      r.Strategy,
		Status:        string(r.Status),
		OptimizedCode: r.OptimizedCode,
		Explanation:   r.Explanation,
		Before:        r.Before,
		After:         r.After,
		Error:         r.ErrorMessage,
	}
	if r.Status == domain.AgentCompleted {
		pct := r.ImprovementPct
		resp.ImprovementPct = &pct
	}
	return resp
}

func (s *Server) optimizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req OptimizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		task, err := s.orch.Submit(r.Context(), req.Code, req.Language, req.NumAgents)
		if err != nil {
			if errors.Is(err, domain.ErrOrchestrationFault) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			s.logger.Error("submit failed", "error", err)
			writeError(w, http.StatusInternalServerError, "submission failed")
			return
		}

		writeJSON(w, http.StatusAccepted, OptimizeResponse{
			TaskID: task.ID,
			Status: string(task.Status),
		})
	}
}

// taskHandler serves GET /api/tasks/{id} snapshots and
// GET /api/tasks/{id}/events SSE streams.
func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "task ID required")
			return
		}

		if id, ok := strings.CutSuffix(path, "/events"); ok {
			s.serveSSE(w, r, id)
			return
		}

		task, runs, err := s.orch.Snapshot(path)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			s.logger.Error("snapshot failed", "task", path, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, taskToResponse(task, runs))
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if err := s.store.Ping(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"store":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
