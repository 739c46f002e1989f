package api

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parallelproof/parallelproof/internal/broadcast"
	"github.com/parallelproof/parallelproof/internal/domain"
)

type mockOrchestrator struct {
	tasks     map[string]*domain.Task
	runs      map[string][]*domain.AgentRun
	submitErr error
	submitted *domain.Task
}

func (m *mockOrchestrator) Submit(ctx context.Context, code, language string, numAgents int) (*domain.Task, error) {
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	task := &domain.Task{
		ID:           "task-abc",
		OriginalCode: code,
		Language:     language,
		NumAgents:    numAgents,
		Status:       domain.TaskPending,
		CreatedAt:    time.Now().UTC(),
	}
	m.submitted = task
	return task, nil
}

func (m *mockOrchestrator) Snapshot(taskID string) (*domain.Task, []*domain.AgentRun, error) {
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, nil, sql.ErrNoRows
	}
	return task, m.runs[taskID], nil
}

type mockPinger struct{ err error }

func (m mockPinger) Ping() error { return m.err }

func newTestServer(orch *mockOrchestrator, hub *broadcast.Hub, pinger Pinger) *Server {
	if hub == nil {
		hub = broadcast.NewHub(nil)
	}
	return NewServer(orch, hub, pinger, ":0", nil)
}

func TestOptimizeHandler(t *testing.T) {
	orch := &mockOrchestrator{}
	server := newTestServer(orch, nil, mockPinger{})

	body := `{"code": "for i in range(n): pass", "language": "python", "num_agents": 5}`
	req := httptest.NewRequest("POST", "/api/optimize", strings.NewReader(body))
	w := httptest.NewRecorder()

	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp OptimizeResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TaskID == "" || resp.Status != "pending" {
		t.Errorf("response = %+v", resp)
	}
	if orch.submitted.NumAgents != 5 {
		t.Errorf("num agents = %d, want 5", orch.submitted.NumAgents)
	}
}

func TestOptimizeHandlerRejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", "{not json", nil, http.StatusBadRequest},
		{"validation failure", `{"code": "", "language": "python"}`,
			fmt.Errorf("%w: code must not be empty", domain.ErrOrchestrationFault), http.StatusBadRequest},
		{"internal failure", `{"code": "x", "language": "python"}`,
			fmt.Errorf("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(&mockOrchestrator{submitErr: tt.err}, nil, mockPinger{})
			req := httptest.NewRequest("POST", "/api/optimize", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestOptimizeHandlerMethodNotAllowed(t *testing.T) {
	server := newTestServer(&mockOrchestrator{}, nil, mockPinger{})
	req := httptest.NewRequest("GET", "/api/optimize", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestTaskHandlerSnapshot(t *testing.T) {
	completed := time.Now().UTC()
	orch := &mockOrchestrator{
		tasks: map[string]*domain.Task{
			"task-1": {
				ID: "task-1", Language: "python", NumAgents: 2,
				Status: domain.TaskCompleted, BestRunID: "agent-1",
				CreatedAt: completed.Add(-time.Minute), CompletedAt: &completed,
			},
		},
		runs: map[string][]*domain.AgentRun{
			"task-1": {
				{TaskID: "task-1", AgentID: "agent-1", Strategy: "Hash Map Optimization",
					Status: domain.AgentCompleted, ImprovementPct: 27.5,
					Before: &domain.Measurement{Metric: 100, Unit: "ms"},
					After:  &domain.Measurement{Metric: 72.5, Unit: "ms"}},
				{TaskID: "task-1", AgentID: "agent-0", Strategy: "Batch Processing",
					Status: domain.AgentFailed, ErrorMessage: "rewrite collaborator failed"},
			},
		},
	}
	server := newTestServer(orch, nil, mockPinger{})

	req := httptest.NewRequest("GET", "/api/tasks/task-1", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp TaskResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.ID != "task-1" || resp.Status != "completed" || resp.BestRunID != "agent-1" {
		t.Errorf("task = %+v", resp)
	}
	if len(resp.Agents) != 2 {
		t.Fatalf("agents = %d, want 2", len(resp.Agents))
	}
	winner := resp.Agents[0]
	if winner.ImprovementPct == nil || *winner.ImprovementPct != 27.5 {
		t.Errorf("winner improvement = %v", winner.ImprovementPct)
	}
	failed := resp.Agents[1]
	if failed.ImprovementPct != nil {
		t.Error("failed run should not report an improvement")
	}
	if failed.Error == "" {
		t.Error("failed run missing error message")
	}
}

func TestTaskHandlerNotFound(t *testing.T) {
	server := newTestServer(&mockOrchestrator{tasks: map[string]*domain.Task{}}, nil, mockPinger{})
	req := httptest.NewRequest("GET", "/api/tasks/absent", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	server := newTestServer(&mockOrchestrator{}, nil, mockPinger{})
	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	degraded := newTestServer(&mockOrchestrator{}, nil, mockPinger{err: fmt.Errorf("locked")})
	w = httptest.NewRecorder()
	degraded.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestSSEStreamsUntilTopicCloses(t *testing.T) {
	hub := broadcast.NewHub(nil)
	orch := &mockOrchestrator{
		tasks: map[string]*domain.Task{
			"task-1": {ID: "task-1", Status: domain.TaskRunning, CreatedAt: time.Now()},
		},
	}
	server := newTestServer(orch, hub, mockPinger{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tasks/task-1/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler a moment to subscribe before publishing.
	waitForSubscriber(t, hub, "task-1")
	hub.Publish("task-1", domain.NewTaskEvent("task-1", domain.TaskCompleted))
	hub.CloseTopic("task-1")

	reader := bufio.NewReader(resp.Body)
	var sawEvent bool
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break // server closed the stream at terminal state
		}
		if strings.HasPrefix(line, "event: task_status_changed") {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Error("task_status_changed event not observed on SSE stream")
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	hub := broadcast.NewHub(nil)
	orch := &mockOrchestrator{
		tasks: map[string]*domain.Task{
			"task-1": {ID: "task-1", Status: domain.TaskRunning, CreatedAt: time.Now()},
		},
	}
	server := newTestServer(orch, hub, mockPinger{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/task-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitForSubscriber(t, hub, "task-1")
	hub.Publish("task-1", domain.NewTaskEvent("task-1", domain.TaskRunning))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event domain.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.Kind != domain.EventTaskStatusChanged || event.TaskID != "task-1" {
		t.Errorf("event = %+v", event)
	}

	// Closing the topic ends the connection from the server side.
	hub.CloseTopic("task-1")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&event); err == nil {
		t.Error("expected connection close after topic close")
	}
}

func TestWebsocketUnknownTask(t *testing.T) {
	server := newTestServer(&mockOrchestrator{tasks: map[string]*domain.Task{}}, nil, mockPinger{})
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/absent"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial succeeded for unknown task")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %v, want 404", resp)
	}
}

func waitForSubscriber(t *testing.T, hub *broadcast.Hub, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Subscribers(taskID) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscriber never attached")
}
