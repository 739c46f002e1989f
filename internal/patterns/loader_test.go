package patterns

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/parallelproof/parallelproof/internal/domain"
)

const sampleYAML = `patterns:
  - name: Hash Map Lookup
    category: data_structures
    description: Replace nested loop scans with constant time lookups.
    example: "index = {u.id: u for u in users}"
    tags: [hashmap, lookup]
  - name: LRU Cache
    category: caching
    description: Memoize expensive repeated computations.
    example: "@lru_cache(maxsize=256)"
    tags: [cache]
`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesPatterns(t *testing.T) {
	path := writeSeedFile(t, sampleYAML)

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("loaded %d patterns, want 2", len(got))
	}
	first := got[0]
	if first.Name != "Hash Map Lookup" || first.Category != "data_structures" {
		t.Errorf("first pattern = %+v", first)
	}
	if len(first.Tags) != 2 || first.Tags[0] != "hashmap" {
		t.Errorf("tags = %v", first.Tags)
	}
}

func TestLoadRejectsBadFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "patterns:\n  - category: caching\n"},
		{"duplicate name", "patterns:\n  - name: A\n  - name: A\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSeedFile(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load succeeded on missing file")
	}
}

type fakeSeedStore struct {
	names    map[string]bool
	inserted []*domain.Pattern
}

func (s *fakeSeedStore) PatternNames() (map[string]bool, error) { return s.names, nil }

func (s *fakeSeedStore) InsertPattern(p *domain.Pattern) (int64, error) {
	s.inserted = append(s.inserted, p)
	return int64(len(s.inserted)), nil
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vec, e.err
}

func TestSeedSkipsExisting(t *testing.T) {
	path := writeSeedFile(t, sampleYAML)
	store := &fakeSeedStore{names: map[string]bool{"LRU Cache": true}}

	inserted, err := Seed(context.Background(), store, fixedEmbedder{vec: []float32{1, 0}}, path, nil)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}
	if len(store.inserted) != 1 || store.inserted[0].Name != "Hash Map Lookup" {
		t.Errorf("inserted patterns = %+v", store.inserted)
	}
	if store.inserted[0].Embedding == nil {
		t.Error("embedding not attached")
	}
}

func TestSeedToleratesEmbedFailure(t *testing.T) {
	path := writeSeedFile(t, sampleYAML)
	store := &fakeSeedStore{names: map[string]bool{}}

	inserted, err := Seed(context.Background(), store, fixedEmbedder{err: errors.New("quota")}, path, nil)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
	for _, p := range store.inserted {
		if p.Embedding != nil {
			t.Errorf("pattern %q got an embedding despite failure", p.Name)
		}
	}
}

func TestSeedNilEmbedder(t *testing.T) {
	path := writeSeedFile(t, sampleYAML)
	store := &fakeSeedStore{names: map[string]bool{}}

	if _, err := Seed(context.Background(), store, nil, path, nil); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(store.inserted) != 2 {
		t.Errorf("inserted = %d, want 2", len(store.inserted))
	}
}
