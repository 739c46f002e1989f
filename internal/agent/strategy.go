package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// Strategy is one entry of the optimization catalog. Name is persisted
// on the agent run, Category steers pattern retrieval, Instructions are
// embedded into the rewrite prompt.
type Strategy struct {
	Name         string
	Category     string
	Instructions string
}

// Catalog is the fixed set of optimization strategies, assigned to
// agents round-robin by index. Strategies repeat only once the catalog
// is exhausted.
var Catalog = []Strategy{
	{
		Name:     "Database Index Optimization",
		Category: "database",
		Instructions: "Optimize the query by adding appropriate indexes. " +
			"Use CREATE INDEX CONCURRENTLY to avoid locking, consider composite " +
			"indexes for multi-column queries, and analyze JOIN operations and WHERE clauses.",
	},
	{
		Name:     "Algorithm Complexity Reduction",
		Category: "algorithmic",
		Instructions: "Reduce the computational complexity. Identify the current " +
			"Big O class, apply better data structures or algorithms, and reduce " +
			"nested loops where possible.",
	},
	{
		Name:     "LRU Cache Implementation",
		Category: "caching",
		Instructions: "Add LRU caching to eliminate redundant computations. " +
			"Identify repeated calls, size the cache for the use case, and use a " +
			"memoization mechanism appropriate to the language.",
	},
	{
		Name:     "Hash Map Optimization",
		Category: "data_structures",
		Instructions: "Replace nested loops with hash map lookups. Identify " +
			"O(n²) operations and convert them to O(1) lookups while keeping " +
			"behavior identical.",
	},
	{
		Name:     "Async Parallelization",
		Category: "parallelization",
		Instructions: "Run independent I/O-bound operations concurrently using " +
			"the language's native concurrency primitives, with proper error handling.",
	},
	{
		Name:     "Memory Optimization with Generators",
		Category: "memory",
		Instructions: "Reduce memory usage with generators and streaming. Replace " +
			"materialized collections with lazy iteration where possible.",
	},
	{
		Name:     "Batch Processing",
		Category: "algorithmic",
		Instructions: "Process records in batches to reduce per-record overhead. " +
			"Pick a sensible batch size and preserve data integrity.",
	},
	{
		Name:     "Connection Pooling",
		Category: "database",
		Instructions: "Replace individual connections with a connection pool " +
			"and handle the connection lifecycle properly.",
	},
}

// Assign returns the strategy for the given zero-based agent index.
func Assign(index int) Strategy {
	return Catalog[index%len(Catalog)]
}

var (
	percentRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
	multiplierRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*x`)
)

// ParseSelfReport extracts a percentage from a collaborator's free-form
// improvement claim ("40%", "2x faster", "O(n²) to O(n)"). It is used
// only to log the claim against the measured improvement; the measured
// value is always authoritative.
func ParseSelfReport(claim string) float64 {
	lower := strings.ToLower(claim)

	if strings.Contains(claim, "%") {
		if m := percentRe.FindStringSubmatch(claim); m != nil {
			v, _ := strconv.ParseFloat(m[1], 64)
			return v
		}
	}

	if strings.Contains(lower, "x") {
		if m := multiplierRe.FindStringSubmatch(lower); m != nil {
			v, _ := strconv.ParseFloat(m[1], 64)
			return (v - 1) * 100
		}
	}

	if strings.Contains(lower, "o(") {
		quadratic := strings.Contains(lower, "n²") || strings.Contains(lower, "n^2")
		if quadratic && strings.Contains(lower, "n log n") {
			return 50.0
		}
		if quadratic && strings.Contains(lower, "o(n)") {
			return 75.0
		}
	}

	return 0.0
}

// BuildContext formats retrieved patterns into the numbered block the
// rewrite prompt expects.
func BuildContext(patterns []domain.ScoredPattern) string {
	if len(patterns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, sp := range patterns {
		fmt.Fprintf(&b, "%d. %s: %s\n   Example: %s\n", i+1, sp.Pattern.Name, sp.Pattern.Description, sp.Pattern.Example)
	}
	return b.String()
}
