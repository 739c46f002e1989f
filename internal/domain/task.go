package domain

import "time"

// Task represents one user-submitted optimization request spanning
// multiple agent runs.
type Task struct {
	ID           string
	OriginalCode string
	Language     string
	NumAgents    int
	Status       TaskStatus
	BestRunID    string // agent id of the winning run, empty when no winner
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Measurement is a unit-tagged performance sample taken inside a leased
// environment.
type Measurement struct {
	Metric float64 `json:"metric"`
	Unit   string  `json:"unit"`
}
