package domain

import (
	"testing"
	"time"
)

func ts(offset int) *time.Time {
	t := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(offset) * time.Second)
	return &t
}

func TestSelectWinner_MaxImprovement(t *testing.T) {
	runs := []*AgentRun{
		{AgentID: "agent-0", Status: AgentCompleted, ImprovementPct: 12.0, EndedAt: ts(1)},
		{AgentID: "agent-1", Status: AgentCompleted, ImprovementPct: -3.0, EndedAt: ts(2)},
		{AgentID: "agent-2", Status: AgentCompleted, ImprovementPct: 27.5, EndedAt: ts(4)},
		{AgentID: "agent-3", Status: AgentCompleted, ImprovementPct: 27.5, EndedAt: ts(3)},
	}

	winner := SelectWinner(runs)
	if winner == nil {
		t.Fatal("expected a winner")
	}
	if winner.AgentID != "agent-3" {
		t.Errorf("winner = %s, want agent-3 (tie broken by earlier completion)", winner.AgentID)
	}
}

func TestSelectWinner_IgnoresFailed(t *testing.T) {
	runs := []*AgentRun{
		{AgentID: "agent-0", Status: AgentFailed, ErrorMessage: "boom", EndedAt: ts(1)},
		{AgentID: "agent-1", Status: AgentCompleted, ImprovementPct: -8.2, EndedAt: ts(2)},
	}

	winner := SelectWinner(runs)
	if winner == nil {
		t.Fatal("expected a winner")
	}
	// A regression still wins when it is the only completed run.
	if winner.AgentID != "agent-1" {
		t.Errorf("winner = %s, want agent-1", winner.AgentID)
	}
}

func TestSelectWinner_NoneCompleted(t *testing.T) {
	runs := []*AgentRun{
		{AgentID: "agent-0", Status: AgentFailed, EndedAt: ts(1)},
		{AgentID: "agent-1", Status: AgentFailed, EndedAt: ts(2)},
	}
	if winner := SelectWinner(runs); winner != nil {
		t.Errorf("winner = %v, want nil", winner)
	}
}

func TestImprovement(t *testing.T) {
	tests := []struct {
		name   string
		before float64
		after  float64
		want   float64
	}{
		{"faster", 200, 100, 50},
		{"regression", 100, 125, -25},
		{"unchanged", 80, 80, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Improvement(Measurement{Metric: tt.before, Unit: "ms"}, Measurement{Metric: tt.after, Unit: "ms"})
			if got != tt.want {
				t.Errorf("Improvement = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	if TaskPending.Terminal() || TaskRunning.Terminal() {
		t.Error("pending/running must not be terminal")
	}
	if !TaskCompleted.Terminal() || !TaskFailed.Terminal() {
		t.Error("completed/failed must be terminal")
	}
	if !AgentCompleted.Terminal() || AgentRunning.Terminal() {
		t.Error("agent terminal statuses wrong")
	}
}
