package domain

// Pattern is a knowledge-base entry describing a known optimization
// technique. Patterns are seeded administratively and read-only from
// the orchestration core's perspective.
type Pattern struct {
	ID          int64
	Name        string
	Category    string
	Description string
	Example     string
	Tags        []string
	Embedding   []float32 // dense semantic vector, nil when not embedded yet
}

// ScoredPattern pairs a pattern with its fused relevance score for one
// query. Not persisted.
type ScoredPattern struct {
	Pattern *Pattern
	Score   float64
}
