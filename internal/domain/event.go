package domain

// EventKind discriminates the closed set of progress events emitted by
// the orchestrator. Exactly one payload field of Event is non-nil per
// kind.
type EventKind string

const (
	EventAgentStatusChanged EventKind = "agent_status_changed"
	EventTaskStatusChanged  EventKind = "task_status_changed"
	EventTaskFinished       EventKind = "task_finished"
)

// Event is the canonical wire shape for per-task progress updates.
type Event struct {
	Kind     EventKind      `json:"type"`
	TaskID   string         `json:"task_id"`
	Agent    *AgentEvent    `json:"agent,omitempty"`
	Task     *TaskEvent     `json:"task,omitempty"`
	Finished *FinishedEvent `json:"finished,omitempty"`
}

// AgentEvent reports one agent run's status transition.
type AgentEvent struct {
	AgentID        string      `json:"agent_id"`
	Strategy       string      `json:"strategy,omitempty"`
	Status         AgentStatus `json:"status"`
	ImprovementPct *float64    `json:"improvement_pct,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// TaskEvent reports a task-level status transition.
type TaskEvent struct {
	Status TaskStatus `json:"status"`
}

// FinishedEvent is emitted exactly once when a task reaches a terminal
// state. BestRunID is empty when no agent run completed.
type FinishedEvent struct {
	BestRunID       string   `json:"best_run_id,omitempty"`
	BestImprovement *float64 `json:"best_improvement_pct,omitempty"`
	CompletedAgents int      `json:"completed_agents"`
	FailedAgents    int      `json:"failed_agents"`
}

// NewAgentEvent builds an agent_status_changed event from a run.
func NewAgentEvent(run *AgentRun) Event {
	ae := &AgentEvent{
		AgentID:  run.AgentID,
		Strategy: run.Strategy,
		Status:   run.Status,
		Error:    run.ErrorMessage,
	}
	if run.Status == AgentCompleted {
		pct := run.ImprovementPct
		ae.ImprovementPct = &pct
	}
	return Event{Kind: EventAgentStatusChanged, TaskID: run.TaskID, Agent: ae}
}

// NewTaskEvent builds a task_status_changed event.
func NewTaskEvent(taskID string, status TaskStatus) Event {
	return Event{Kind: EventTaskStatusChanged, TaskID: taskID, Task: &TaskEvent{Status: status}}
}

// NewFinishedEvent builds the terminal task_finished event.
func NewFinishedEvent(taskID string, winner *AgentRun, completed, failed int) Event {
	fe := &FinishedEvent{CompletedAgents: completed, FailedAgents: failed}
	if winner != nil {
		fe.BestRunID = winner.AgentID
		pct := winner.ImprovementPct
		fe.BestImprovement = &pct
	}
	return Event{Kind: EventTaskFinished, TaskID: taskID, Finished: fe}
}
