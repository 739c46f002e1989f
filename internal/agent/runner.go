package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/parallelproof/parallelproof/internal/domain"
	"github.com/parallelproof/parallelproof/internal/envpool"
)

// retrievedContext is how many patterns each agent pulls into its
// rewrite prompt.
const retrievedContext = 3

// Proposal is a rewrite collaborator's candidate output.
type Proposal struct {
	OptimizedCode string
	Explanation   string
	SelfReported  string // free-form improvement claim, logged only
}

// Proposer produces a candidate rewrite of the snippet. Its output is
// never trusted unbenchmarked.
type Proposer interface {
	Propose(ctx context.Context, code, language, patternContext, strategy string) (Proposal, error)
}

// Retriever finds supporting patterns for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.ScoredPattern, error)
}

// Pool hands out leased environments.
type Pool interface {
	Acquire(ctx context.Context, taskID, agentID string) (*envpool.Handle, error)
	Release(h *envpool.Handle)
}

// Benchmarker measures a snippet inside a leased environment.
type Benchmarker interface {
	Measure(ctx context.Context, code, language string, env envpool.Environment) (domain.Measurement, error)
}

// Runner executes one agent run end to end. All failures are captured
// into the run's failed state; Run never panics past its boundary.
type Runner struct {
	pool        Pool
	retriever   Retriever
	proposer    Proposer
	benchmarker Benchmarker
	logger      *slog.Logger

	// onTransition is invoked for every status change of the run,
	// including the terminal one. The orchestrator uses it to persist
	// and broadcast.
	onTransition func(run *domain.AgentRun)
}

// NewRunner wires an agent runner. onTransition may be nil.
func NewRunner(pool Pool, retriever Retriever, proposer Proposer, benchmarker Benchmarker, onTransition func(*domain.AgentRun), logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pool:         pool,
		retriever:    retriever,
		proposer:     proposer,
		benchmarker:  benchmarker,
		onTransition: onTransition,
		logger:       logger,
	}
}

// Run drives one agent run to a terminal status and returns it. The
// returned run is always terminal; errors are recorded on the run
// rather than returned. The result is named so the recover path below
// still hands the failed run back.
func (r *Runner) Run(ctx context.Context, task *domain.Task, agentID string, strategy Strategy) (result *domain.AgentRun) {
	run := &domain.AgentRun{
		TaskID:       task.ID,
		AgentID:      agentID,
		Strategy:     strategy.Name,
		Status:       domain.AgentPending,
		OriginalCode: task.OriginalCode,
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("agent run panicked", "task", task.ID, "agent", agentID, "panic", rec)
			result = r.fail(ctx, run, fmt.Errorf("%w: agent panicked: %v", domain.ErrOrchestrationFault, rec))
		}
	}()

	now := time.Now().UTC()
	run.StartedAt = &now
	run.Status = domain.AgentRunning
	r.transition(run)

	handle, err := r.pool.Acquire(ctx, task.ID, agentID)
	if err != nil {
		return r.fail(ctx, run, err)
	}
	defer r.pool.Release(handle)

	patternContext := r.retrieveContext(ctx, task, strategy)

	proposal, err := r.proposer.Propose(ctx, task.OriginalCode, task.Language, patternContext, strategy.Instructions)
	if err != nil {
		return r.fail(ctx, run, fmt.Errorf("%w: %v", domain.ErrRewriteFailed, err))
	}
	if proposal.OptimizedCode == "" {
		return r.fail(ctx, run, fmt.Errorf("%w: collaborator returned empty code", domain.ErrRewriteFailed))
	}

	before, err := r.benchmarker.Measure(ctx, task.OriginalCode, task.Language, handle.Env)
	if err != nil {
		return r.fail(ctx, run, err)
	}
	if before.Metric <= 0 {
		return r.fail(ctx, run, fmt.Errorf("%w: baseline %.3f %s", domain.ErrInvalidBaseline, before.Metric, before.Unit))
	}

	after, err := r.benchmarker.Measure(ctx, proposal.OptimizedCode, task.Language, handle.Env)
	if err != nil {
		return r.fail(ctx, run, err)
	}

	run.Before = &before
	run.After = &after
	run.OptimizedCode = proposal.OptimizedCode
	run.Explanation = proposal.Explanation
	run.ImprovementPct = domain.Improvement(before, after)

	if proposal.SelfReported != "" {
		claimed := ParseSelfReport(proposal.SelfReported)
		if math.Abs(claimed-run.ImprovementPct) > 10 {
			r.logger.Debug("self-reported improvement diverges from measurement",
				"task", task.ID, "agent", agentID,
				"claimed_pct", claimed, "measured_pct", run.ImprovementPct)
		}
	}

	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Status = domain.AgentCompleted
	r.transition(run)

	r.logger.Info("agent run completed",
		"task", task.ID, "agent", agentID, "strategy", strategy.Name,
		"improvement_pct", run.ImprovementPct)
	return run
}

// retrieveContext queries the pattern library with the head of the
// snippet. Retrieval failure degrades to an empty context; it never
// fails the run.
func (r *Runner) retrieveContext(ctx context.Context, task *domain.Task, strategy Strategy) string {
	query := task.OriginalCode
	if len(query) > 500 {
		query = query[:500]
	}
	query += " " + strategy.Category

	scored, err := r.retriever.Retrieve(ctx, query, retrievedContext)
	if err != nil {
		r.logger.Warn("pattern retrieval failed, continuing without context",
			"task", task.ID, "error", err)
		return ""
	}
	return BuildContext(scored)
}

// fail terminates the run with the given error. A failure caused by
// the task deadline is relabeled as a task timeout regardless of which
// step surfaced it.
func (r *Runner) fail(ctx context.Context, run *domain.AgentRun, err error) *domain.AgentRun {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %v", domain.ErrTaskTimeout, err)
	}
	ended := time.Now().UTC()
	run.EndedAt = &ended
	run.Status = domain.AgentFailed
	run.ErrorMessage = err.Error()
	r.transition(run)

	r.logger.Warn("agent run failed",
		"task", run.TaskID, "agent", run.AgentID, "strategy", run.Strategy, "error", err)
	return run
}

func (r *Runner) transition(run *domain.AgentRun) {
	if r.onTransition != nil {
		r.onTransition(run)
	}
}
