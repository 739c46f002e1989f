package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parallelproof/parallelproof/internal/agent"
	"github.com/parallelproof/parallelproof/internal/domain"
	"github.com/parallelproof/parallelproof/internal/telemetry"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateTask(task *domain.Task) error
	UpdateTaskStatus(id string, status domain.TaskStatus) error
	FinalizeTask(id string, status domain.TaskStatus, bestRunID string, completedAt time.Time) error
	GetTask(id string) (*domain.Task, error)
	UpsertAgentRun(run *domain.AgentRun) error
	ListAgentRuns(taskID string) ([]*domain.AgentRun, error)
}

// Broadcaster fans progress events out to task subscribers.
type Broadcaster interface {
	Publish(taskID string, event domain.Event)
	CloseTopic(taskID string)
}

// Notifier is told once per finished task. The winner is nil when no
// agent run completed.
type Notifier interface {
	TaskFinished(task *domain.Task, winner *domain.AgentRun) error
}

// Options bound task admission and execution.
type Options struct {
	DefaultAgents int
	MaxAgents     int
	TaskTimeout   time.Duration
}

// Orchestrator owns the task state machine: it admits submissions,
// fans agent runs out concurrently, selects the winner and finalizes.
type Orchestrator struct {
	store    Store
	hub      Broadcaster
	runner   *agent.Runner
	notifier Notifier
	metrics  *telemetry.Metrics
	opts     Options
	logger   *slog.Logger
}

// New wires an orchestrator. The agent runner is constructed here so
// that every run transition flows back through persistence and the
// broadcaster. notifier and metrics may be nil.
func New(store Store, hub Broadcaster, pool agent.Pool, retriever agent.Retriever, proposer agent.Proposer, benchmarker agent.Benchmarker, notifier Notifier, metrics *telemetry.Metrics, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    store,
		hub:      hub,
		notifier: notifier,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
	}
	o.runner = agent.NewRunner(pool, retriever, proposer, benchmarker, o.onRunTransition, logger)
	return o
}

// Submit validates a request, records the pending task and dispatches
// its agents in the background. Validation failures are rejected
// before a task id is minted.
func (o *Orchestrator) Submit(ctx context.Context, code, language string, numAgents int) (*domain.Task, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code must not be empty", domain.ErrOrchestrationFault)
	}
	if language == "" {
		return nil, fmt.Errorf("%w: language must not be empty", domain.ErrOrchestrationFault)
	}
	if numAgents == 0 {
		numAgents = o.opts.DefaultAgents
	}
	if numAgents < 1 || numAgents > o.opts.MaxAgents {
		return nil, fmt.Errorf("%w: num_agents must be between 1 and %d", domain.ErrOrchestrationFault, o.opts.MaxAgents)
	}

	task := &domain.Task{
		ID:           uuid.NewString(),
		OriginalCode: code,
		Language:     language,
		NumAgents:    numAgents,
		Status:       domain.TaskPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := o.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("recording task: %w", err)
	}

	o.logger.Info("task submitted", "task", task.ID, "language", language, "agents", numAgents)
	go o.execute(task)
	return task, nil
}

// Snapshot returns the task and all its agent runs. For a terminal
// task the result is stable across repeated calls.
func (o *Orchestrator) Snapshot(taskID string) (*domain.Task, []*domain.AgentRun, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, nil, err
	}
	runs, err := o.store.ListAgentRuns(taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, runs, nil
}

// execute drives a task from pending to a terminal state. It runs on
// its own goroutine per task.
func (o *Orchestrator) execute(task *domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.TaskTimeout)
	defer cancel()

	// Record every agent as pending so the snapshot carries the full
	// fan-out before any agent starts.
	for i := 0; i < task.NumAgents; i++ {
		run := &domain.AgentRun{
			TaskID:   task.ID,
			AgentID:  agentID(i),
			Strategy: agent.Assign(i).Name,
			Status:   domain.AgentPending,
		}
		if err := o.store.UpsertAgentRun(run); err != nil {
			o.failTask(task, fmt.Errorf("recording agent runs: %w", err))
			return
		}
		o.hub.Publish(task.ID, domain.NewAgentEvent(run))
	}

	// Running transition is atomic with dispatch.
	if err := o.store.UpdateTaskStatus(task.ID, domain.TaskRunning); err != nil {
		o.failTask(task, fmt.Errorf("transitioning to running: %w", err))
		return
	}
	task.Status = domain.TaskRunning
	o.hub.Publish(task.ID, domain.NewTaskEvent(task.ID, domain.TaskRunning))
	o.metrics.TaskStarted(ctx)

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*domain.AgentRun, task.NumAgents)
	for i := 0; i < task.NumAgents; i++ {
		g.Go(func() error {
			results[i] = o.runner.Run(gctx, task, agentID(i), agent.Assign(i))
			return nil
		})
	}
	g.Wait()

	o.finalize(task, results)
}

// finalize selects the winner and closes the task out. A task where
// every agent failed still completes, with no winner.
func (o *Orchestrator) finalize(task *domain.Task, runs []*domain.AgentRun) {
	winner := domain.SelectWinner(runs)

	bestRunID := ""
	if winner != nil {
		bestRunID = winner.AgentID
	}
	completedAt := time.Now().UTC()
	if err := o.store.FinalizeTask(task.ID, domain.TaskCompleted, bestRunID, completedAt); err != nil {
		o.logger.Error("finalizing task", "task", task.ID, "error", err)
	}
	task.Status = domain.TaskCompleted
	task.BestRunID = bestRunID
	task.CompletedAt = &completedAt

	completed, failed := 0, 0
	for _, r := range runs {
		switch {
		case r == nil:
		case r.Status == domain.AgentCompleted:
			completed++
		case r.Status == domain.AgentFailed:
			failed++
		}
	}

	o.hub.Publish(task.ID, domain.NewTaskEvent(task.ID, domain.TaskCompleted))
	o.hub.Publish(task.ID, domain.NewFinishedEvent(task.ID, winner, completed, failed))
	o.hub.CloseTopic(task.ID)
	o.metrics.TaskCompleted(context.Background())

	if winner != nil {
		o.logger.Info("task finished", "task", task.ID,
			"winner", winner.AgentID, "improvement_pct", winner.ImprovementPct,
			"completed", completed, "failed", failed)
	} else {
		o.logger.Info("task finished without a winner", "task", task.ID,
			"completed", completed, "failed", failed)
	}

	if o.notifier != nil {
		if err := o.notifier.TaskFinished(task, winner); err != nil {
			o.logger.Warn("notification failed", "task", task.ID, "error", err)
		}
	}
}

// failTask handles orchestration-level faults after the task id was
// minted but before dispatch succeeded.
func (o *Orchestrator) failTask(task *domain.Task, err error) {
	o.logger.Error("task failed before dispatch", "task", task.ID, "error", err)

	completedAt := time.Now().UTC()
	if ferr := o.store.FinalizeTask(task.ID, domain.TaskFailed, "", completedAt); ferr != nil {
		o.logger.Error("finalizing failed task", "task", task.ID, "error", ferr)
	}
	task.Status = domain.TaskFailed
	task.CompletedAt = &completedAt

	o.hub.Publish(task.ID, domain.NewTaskEvent(task.ID, domain.TaskFailed))
	o.hub.Publish(task.ID, domain.NewFinishedEvent(task.ID, nil, 0, 0))
	o.hub.CloseTopic(task.ID)
	o.metrics.TaskFailed(context.Background())
}

// onRunTransition persists and broadcasts every agent run status
// change, including the terminal one.
func (o *Orchestrator) onRunTransition(run *domain.AgentRun) {
	if err := o.store.UpsertAgentRun(run); err != nil {
		o.logger.Error("persisting agent run", "task", run.TaskID, "agent", run.AgentID, "error", err)
	}
	o.hub.Publish(run.TaskID, domain.NewAgentEvent(run))
	if run.Status == domain.AgentFailed {
		o.metrics.AgentFailed(context.Background())
	}
}

func agentID(index int) string {
	return fmt.Sprintf("agent-%d", index)
}
