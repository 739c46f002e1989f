// Package retrieval ranks optimization patterns against a code snippet
// by fusing a lexical (FTS5/bm25) ranking and a semantic (embedding
// cosine similarity) ranking with Reciprocal Rank Fusion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// rrfConstant is the c in 1/(rank+c). 60 is the value from the original
// RRF paper and keeps the fused score insensitive to the absolute
// scales of the two rankings.
const rrfConstant = 60

// candidatePool is how many candidates each ranking contributes before
// fusion.
const candidatePool = 20

// Embedder turns text into a dense vector in the same space as the
// stored pattern embeddings. Implemented by the Gemini client; failures
// degrade retrieval to lexical-only.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PatternSource is the read-only slice of the store the engine needs.
type PatternSource interface {
	QueryPatternsByText(query string, limit int) ([]*domain.Pattern, error)
	ListPatternsWithEmbeddings() ([]*domain.Pattern, error)
}

// Engine answers hybrid retrieval queries. Read-only; deterministic for
// a fixed store snapshot and query.
type Engine struct {
	source   PatternSource
	embedder Embedder
	logger   *slog.Logger
}

// NewEngine creates a retrieval engine. embedder may be nil, in which
// case every query is lexical-only.
func NewEngine(source PatternSource, embedder Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, embedder: embedder, logger: logger}
}

// Retrieve returns up to k patterns ranked by fused relevance to the
// query text.
func (e *Engine) Retrieve(ctx context.Context, query string, k int) ([]domain.ScoredPattern, error) {
	if k <= 0 {
		return nil, nil
	}

	lexical, err := e.source.QueryPatternsByText(query, candidatePool)
	if err != nil {
		return nil, fmt.Errorf("lexical ranking: %w", err)
	}

	semantic := e.semanticRanking(ctx, query)

	fused := Fuse(lexical, semantic)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// semanticRanking embeds the query and ranks stored patterns by cosine
// similarity, descending. Any failure returns nil: retrieval is
// advisory context, so the engine degrades to lexical-only instead of
// failing the query.
func (e *Engine) semanticRanking(ctx context.Context, query string) []*domain.Pattern {
	if e.embedder == nil {
		return nil
	}

	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Warn("embedding failed, using lexical ranking only", "error", err)
		return nil
	}

	patterns, err := e.source.ListPatternsWithEmbeddings()
	if err != nil {
		e.logger.Warn("listing embedded patterns failed", "error", err)
		return nil
	}

	type scored struct {
		p   *domain.Pattern
		sim float64
	}
	ranked := make([]scored, 0, len(patterns))
	for _, p := range patterns {
		sim, ok := Cosine(vec, p.Embedding)
		if !ok {
			continue
		}
		ranked = append(ranked, scored{p, sim})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].sim != ranked[j].sim {
			return ranked[i].sim > ranked[j].sim
		}
		return ranked[i].p.ID < ranked[j].p.ID
	})

	if len(ranked) > candidatePool {
		ranked = ranked[:candidatePool]
	}
	out := make([]*domain.Pattern, len(ranked))
	for i, s := range ranked {
		out[i] = s.p
	}
	return out
}

// Fuse merges ranked lists with Reciprocal Rank Fusion: each pattern
// scores the sum of 1/(rank+60) over the lists it appears in, with
// 1-based ranks. Absent lists contribute nothing. Ties in the fused
// score break toward lower pattern id.
func Fuse(lists ...[]*domain.Pattern) []domain.ScoredPattern {
	scores := make(map[int64]float64)
	byID := make(map[int64]*domain.Pattern)

	for _, list := range lists {
		for i, p := range list {
			rank := i + 1
			scores[p.ID] += 1.0 / float64(rank+rrfConstant)
			byID[p.ID] = p
		}
	}

	fused := make([]domain.ScoredPattern, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, domain.ScoredPattern{Pattern: byID[id], Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].Pattern.ID < fused[j].Pattern.ID
	})

	return fused
}

// Cosine returns the cosine similarity of two vectors, or false when
// dimensions differ or either vector has zero magnitude.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
