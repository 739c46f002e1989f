package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// fileEntry is one pattern in the seed YAML.
type fileEntry struct {
	Name        string   `yaml:"name"`
	Category    string   `yaml:"category"`
	Description string   `yaml:"description"`
	Example     string   `yaml:"example"`
	Tags        []string `yaml:"tags"`
}

type seedFile struct {
	Patterns []fileEntry `yaml:"patterns"`
}

// Load reads and validates a pattern seed file.
func Load(path string) ([]*domain.Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pattern file: %w", err)
	}

	seen := make(map[string]bool, len(f.Patterns))
	out := make([]*domain.Pattern, 0, len(f.Patterns))
	for i, e := range f.Patterns {
		if e.Name == "" {
			return nil, fmt.Errorf("pattern %d: name is required", i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("pattern %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		out = append(out, &domain.Pattern{
			Name:        e.Name,
			Category:    e.Category,
			Description: e.Description,
			Example:     e.Example,
			Tags:        e.Tags,
		})
	}
	return out, nil
}

// Embedder computes a dense vector for a pattern's text. Optional: a
// nil embedder seeds patterns without embeddings, leaving retrieval
// lexical-only for those entries.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SeedStore is the persistence surface seeding needs.
type SeedStore interface {
	PatternNames() (map[string]bool, error)
	InsertPattern(p *domain.Pattern) (int64, error)
}

// Seed loads the file and inserts patterns not yet present. Already
// seeded names are skipped, so re-running is cheap and idempotent.
func Seed(ctx context.Context, store SeedStore, embedder Embedder, path string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loaded, err := Load(path)
	if err != nil {
		return 0, err
	}

	existing, err := store.PatternNames()
	if err != nil {
		return 0, fmt.Errorf("listing existing patterns: %w", err)
	}

	inserted := 0
	for _, p := range loaded {
		if existing[p.Name] {
			continue
		}
		if embedder != nil {
			vec, err := embedder.Embed(ctx, p.Name+" "+p.Description)
			if err != nil {
				logger.Warn("embedding pattern failed, seeding without vector",
					"pattern", p.Name, "error", err)
			} else {
				p.Embedding = vec
			}
		}
		if _, err := store.InsertPattern(p); err != nil {
			return inserted, fmt.Errorf("inserting pattern %q: %w", p.Name, err)
		}
		inserted++
	}

	logger.Info("pattern seed complete", "file", path, "loaded", len(loaded), "inserted", inserted)
	return inserted, nil
}
