// Package tui renders a live terminal view of one optimization task,
// fed by the orchestrator's websocket event stream.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// agentRow is the display state for one agent run.
type agentRow struct {
	ID             string
	Strategy       string
	Status         domain.AgentStatus
	ImprovementPct *float64
	Err            string
}

// Model is the bubbletea model for the watch view.
type Model struct {
	// Data
	taskID     string
	taskStatus domain.TaskStatus
	agents     []*agentRow
	byID       map[string]*agentRow
	finished   *domain.FinishedEvent

	// Event source
	events <-chan domain.Event

	// UI state
	spinner  spinner.Model
	width    int
	height   int
	started  time.Time
	quitting bool
}

// ModelConfig holds the initial state for the watch view.
type ModelConfig struct {
	TaskID        string
	InitialStatus domain.TaskStatus
	Events        <-chan domain.Event
}

// NewModel creates a watch model for a single task.
func NewModel(cfg ModelConfig) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	status := cfg.InitialStatus
	if status == "" {
		status = domain.TaskPending
	}

	return Model{
		taskID:     cfg.TaskID,
		taskStatus: status,
		byID:       make(map[string]*agentRow),
		events:     cfg.Events,
		spinner:    sp,
		started:    time.Now(),
	}
}

// EventMsg carries one orchestrator event into the update loop.
type EventMsg domain.Event

// StreamClosedMsg signals that the event stream ended. The server
// closes the stream once the task reaches a terminal state.
type StreamClosedMsg struct{}

func waitForEvent(ch <-chan domain.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return EventMsg(ev)
	}
}

// Init starts the spinner and begins draining the event stream.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Done reports whether the watched task reached a terminal state.
func (m Model) Done() bool {
	return m.finished != nil
}
