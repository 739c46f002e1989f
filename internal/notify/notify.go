package notify

import (
	"fmt"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// TaskReporter translates finished tasks into notifications.
type TaskReporter struct {
	notifier Notifier
}

// NewTaskReporter wraps a notifier for task completion reporting.
func NewTaskReporter(notifier Notifier) *TaskReporter {
	return &TaskReporter{notifier: notifier}
}

// TaskFinished announces a finished optimization task. A nil winner
// means no agent run completed.
func (r *TaskReporter) TaskFinished(task *domain.Task, winner *domain.AgentRun) error {
	return r.notifier.Send(BuildTaskNotification(task, winner))
}

// BuildTaskNotification composes the completion message for a task.
func BuildTaskNotification(task *domain.Task, winner *domain.AgentRun) Notification {
	n := Notification{TaskID: task.ID}

	switch {
	case task.Status == domain.TaskFailed:
		n.Title = "Optimization task failed"
		n.Message = fmt.Sprintf("Task %s could not be dispatched.", task.ID)
		n.Type = NotifyError
	case winner == nil:
		n.Title = "Optimization finished without a winner"
		n.Message = fmt.Sprintf("Task %s ran %d agents; nothing beat the baseline.", task.ID, task.NumAgents)
		n.Type = NotifyWarning
	case winner.ImprovementPct < 0:
		n.Title = "Optimization finished"
		n.Message = fmt.Sprintf("Task %s: best candidate %s (%s) is a %.1f%% regression.",
			task.ID, winner.AgentID, winner.Strategy, -winner.ImprovementPct)
		n.Type = NotifyWarning
	default:
		n.Title = "Optimization finished"
		n.Message = fmt.Sprintf("Task %s: %s (%s) improved performance by %.1f%%.",
			task.ID, winner.AgentID, winner.Strategy, winner.ImprovementPct)
		n.Type = NotifySuccess
	}
	return n
}
