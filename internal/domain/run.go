package domain

import "time"

// AgentRun represents a single optimization attempt within a task.
// It is identified by the (TaskID, AgentID) pair and becomes immutable
// once it reaches a terminal status.
type AgentRun struct {
	TaskID         string
	AgentID        string
	Strategy       string
	Status         AgentStatus
	OriginalCode   string
	OptimizedCode  string // set only when Status == AgentCompleted
	Explanation    string
	Before         *Measurement
	After          *Measurement
	ImprovementPct float64 // signed; negative means regression
	ErrorMessage   string  // set only when Status == AgentFailed
	StartedAt      *time.Time
	EndedAt        *time.Time
}

// Improvement computes the signed improvement percentage between two
// measurements. The caller must reject non-positive baselines first.
func Improvement(before, after Measurement) float64 {
	return (before.Metric - after.Metric) / before.Metric * 100
}

// SelectWinner picks the completed run with the highest improvement
// percentage, breaking ties by earliest completion time. A negative
// improvement can still win: a regression that is the best available
// result is reported honestly rather than hidden. Returns nil when no
// run completed.
func SelectWinner(runs []*AgentRun) *AgentRun {
	var best *AgentRun
	for _, r := range runs {
		if r.Status != AgentCompleted {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if r.ImprovementPct > best.ImprovementPct {
			best = r
			continue
		}
		if r.ImprovementPct == best.ImprovementPct && earlier(r.EndedAt, best.EndedAt) {
			best = r
		}
	}
	return best
}

func earlier(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Before(*b)
}
