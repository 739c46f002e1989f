package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parallelproof/parallelproof/internal/domain"
	"github.com/parallelproof/parallelproof/internal/envpool"
)

type fakePool struct {
	acquireErr error
	acquired   int
	released   int
}

func (p *fakePool) Acquire(ctx context.Context, taskID, agentID string) (*envpool.Handle, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired++
	return &envpool.Handle{Env: envpool.Environment{ID: "env-1", Ref: "base"}, TaskID: taskID, AgentID: agentID}, nil
}

func (p *fakePool) Release(h *envpool.Handle) {
	if h != nil {
		p.released++
	}
}

type fakeRetriever struct {
	patterns []domain.ScoredPattern
	err      error
	lastK    int
	lastQ    string
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, k int) ([]domain.ScoredPattern, error) {
	r.lastQ, r.lastK = query, k
	return r.patterns, r.err
}

type fakeProposer struct {
	proposal Proposal
	err      error
	panics   bool
	lastCtx  string
}

func (p *fakeProposer) Propose(ctx context.Context, code, language, patternContext, strategy string) (Proposal, error) {
	if p.panics {
		panic("collaborator blew up")
	}
	p.lastCtx = patternContext
	return p.proposal, p.err
}

type fakeBenchmarker struct {
	results []domain.Measurement
	errs    []error
	calls   int
}

func (b *fakeBenchmarker) Measure(ctx context.Context, code, language string, env envpool.Environment) (domain.Measurement, error) {
	i := b.calls
	b.calls++
	var err error
	if i < len(b.errs) {
		err = b.errs[i]
	}
	var m domain.Measurement
	if i < len(b.results) {
		m = b.results[i]
	}
	return m, err
}

func testTask() *domain.Task {
	return &domain.Task{ID: "task-1", OriginalCode: "for i in range(n): pass", Language: "python", NumAgents: 1}
}

func TestRunComputesMeasuredImprovement(t *testing.T) {
	pool := &fakePool{}
	bench := &fakeBenchmarker{results: []domain.Measurement{
		{Metric: 200, Unit: "ms"},
		{Metric: 50, Unit: "ms"},
	}}
	prop := &fakeProposer{proposal: Proposal{
		OptimizedCode: "pass",
		Explanation:   "removed the loop",
		SelfReported:  "900% faster", // must not be trusted
	}}

	var transitions []domain.AgentStatus
	runner := NewRunner(pool, &fakeRetriever{}, prop, bench, func(run *domain.AgentRun) {
		transitions = append(transitions, run.Status)
	}, nil)

	run := runner.Run(context.Background(), testTask(), "agent-0", Assign(0))

	if run.Status != domain.AgentCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", run.Status, run.ErrorMessage)
	}
	if run.ImprovementPct != 75.0 {
		t.Errorf("improvement = %.2f, want 75.00", run.ImprovementPct)
	}
	if run.OptimizedCode != "pass" || run.Explanation != "removed the loop" {
		t.Errorf("proposal not carried onto run: %+v", run)
	}
	if run.EndedAt == nil || run.StartedAt == nil {
		t.Error("timestamps not set")
	}
	if pool.released != 1 {
		t.Errorf("released = %d, want 1", pool.released)
	}
	want := []domain.AgentStatus{domain.AgentRunning, domain.AgentCompleted}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestRunReleasesLeaseOnProposerFailure(t *testing.T) {
	pool := &fakePool{}
	prop := &fakeProposer{err: errors.New("model unavailable")}
	runner := NewRunner(pool, &fakeRetriever{}, prop, &fakeBenchmarker{}, nil, nil)

	run := runner.Run(context.Background(), testTask(), "agent-0", Assign(0))

	if run.Status != domain.AgentFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, domain.ErrRewriteFailed.Error()) {
		t.Errorf("error = %q, want rewrite failure", run.ErrorMessage)
	}
	if pool.released != 1 {
		t.Errorf("released = %d, want 1 (lease leak on failure path)", pool.released)
	}
}

func TestRunRejectsNonPositiveBaseline(t *testing.T) {
	for _, metric := range []float64{0, -5} {
		pool := &fakePool{}
		bench := &fakeBenchmarker{results: []domain.Measurement{{Metric: metric, Unit: "ms"}}}
		prop := &fakeProposer{proposal: Proposal{OptimizedCode: "pass"}}
		runner := NewRunner(pool, &fakeRetriever{}, prop, bench, nil, nil)

		run := runner.Run(context.Background(), testTask(), "agent-0", Assign(0))

		if run.Status != domain.AgentFailed {
			t.Fatalf("baseline %.0f: status = %s, want failed", metric, run.Status)
		}
		if !strings.Contains(run.ErrorMessage, domain.ErrInvalidBaseline.Error()) {
			t.Errorf("baseline %.0f: error = %q, want invalid baseline", metric, run.ErrorMessage)
		}
		if bench.calls != 1 {
			t.Errorf("baseline %.0f: candidate benchmarked despite invalid baseline", metric)
		}
		if pool.released != 1 {
			t.Errorf("baseline %.0f: lease not released", metric)
		}
	}
}

func TestRunPoolExhaustedFailsRunOnly(t *testing.T) {
	pool := &fakePool{acquireErr: domain.ErrPoolExhausted}
	runner := NewRunner(pool, &fakeRetriever{}, &fakeProposer{}, &fakeBenchmarker{}, nil, nil)

	run := runner.Run(context.Background(), testTask(), "agent-0", Assign(0))

	if run.Status != domain.AgentFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, domain.ErrPoolExhausted.Error()) {
		t.Errorf("error = %q, want pool exhausted", run.ErrorMessage)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	pool := &fakePool{}
	runner := NewRunner(pool, &fakeRetriever{}, &fakeProposer{panics: true}, &fakeBenchmarker{}, nil, nil)

	run := runner.Run(context.Background(), testTask(), "agent-0", Assign(0))

	if run == nil {
		t.Fatal("Run returned nil, want the failed run")
	}
	if run.Status != domain.AgentFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if !strings.Contains(run.ErrorMessage, "panicked") {
		t.Errorf("error = %q, want panic capture", run.ErrorMessage)
	}
	if run.EndedAt == nil {
		t.Error("EndedAt not set on recovered run")
	}
	if pool.released != 1 {
		t.Errorf("released = %d, want 1", pool.released)
	}
}

func TestRunRetrievalFailureDegradesToEmptyContext(t *testing.T) {
	pool := &fakePool{}
	bench := &fakeBenchmarker{results: []domain.Measurement{
		{Metric: 100, Unit: "ms"},
		{Metric: 90, Unit: "ms"},
	}}
	prop := &fakeProposer{proposal: Proposal{OptimizedCode: "pass"}}
	runner := NewRunner(pool, &fakeRetriever{err: errors.New("fts offline")}, prop, bench, nil, nil)

	run := runner.Run(context.Background(), testTask(), "agent-0", Assign(0))

	if run.Status != domain.AgentCompleted {
		t.Fatalf("status = %s, want completed despite retrieval failure", run.Status)
	}
	if prop.lastCtx != "" {
		t.Errorf("pattern context = %q, want empty", prop.lastCtx)
	}
}

func TestRunQueryUsesSnippetHead(t *testing.T) {
	retr := &fakeRetriever{patterns: []domain.ScoredPattern{
		{Pattern: &domain.Pattern{Name: "Hash Map Lookup", Description: "replace scans", Example: "m[k]"}, Score: 0.03},
	}}
	prop := &fakeProposer{proposal: Proposal{OptimizedCode: "pass"}}
	bench := &fakeBenchmarker{results: []domain.Measurement{
		{Metric: 10, Unit: "ms"},
		{Metric: 9, Unit: "ms"},
	}}
	runner := NewRunner(&fakePool{}, retr, prop, bench, nil, nil)

	task := testTask()
	task.OriginalCode = strings.Repeat("x", 700)
	runner.Run(context.Background(), task, "agent-0", Assign(0))

	if retr.lastK != retrievedContext {
		t.Errorf("k = %d, want %d", retr.lastK, retrievedContext)
	}
	if len(retr.lastQ) > 500+1+len(Assign(0).Category) {
		t.Errorf("query length = %d, snippet head not truncated", len(retr.lastQ))
	}
	if !strings.Contains(prop.lastCtx, "1. Hash Map Lookup: replace scans") {
		t.Errorf("context = %q, want numbered pattern block", prop.lastCtx)
	}
}

func TestAssignRoundRobin(t *testing.T) {
	if len(Catalog) != 8 {
		t.Fatalf("catalog size = %d, want 8", len(Catalog))
	}
	seen := map[string]bool{}
	for i := 0; i < len(Catalog); i++ {
		s := Assign(i)
		if seen[s.Name] {
			t.Errorf("strategy %q repeated before catalog exhausted", s.Name)
		}
		seen[s.Name] = true
	}
	if Assign(len(Catalog)).Name != Assign(0).Name {
		t.Error("catalog should wrap around after exhaustion")
	}
}

func TestParseSelfReport(t *testing.T) {
	tests := []struct {
		claim string
		want  float64
	}{
		{"40%", 40},
		{"12.5% reduction", 12.5},
		{"2x faster", 100},
		{"3.5x", 250},
		{"O(n²) to O(n)", 75},
		{"O(n^2) to O(n log n)", 50},
		{"no idea", 0},
		{"", 0},
	}
	for _, tt := range tests {
		if got := ParseSelfReport(tt.claim); got != tt.want {
			t.Errorf("ParseSelfReport(%q) = %.1f, want %.1f", tt.claim, got, tt.want)
		}
	}
}
