package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/parallelproof/parallelproof/internal/domain"
	"github.com/parallelproof/parallelproof/internal/envpool"
)

// interpreters maps a language tag to the command that runs a snippet
// file of that language.
var interpreters = map[string]struct {
	cmd      string
	filename string
}{
	"python":     {"python3", "snippet.py"},
	"javascript": {"node", "snippet.js"},
	"sh":         {"sh", "snippet.sh"},
	"bash":       {"bash", "snippet.sh"},
}

// LocalBenchmarker measures a snippet by running it in a host
// subprocess and timing the wall clock. Used with the static
// provisioner; the Docker benchmarker is the isolated variant.
type LocalBenchmarker struct{}

// NewLocalBenchmarker creates a host-process benchmarker.
func NewLocalBenchmarker() *LocalBenchmarker {
	return &LocalBenchmarker{}
}

// Measure writes the snippet to a temp dir, runs it once and returns
// the elapsed wall time in milliseconds.
func (b *LocalBenchmarker) Measure(ctx context.Context, code, language string, env envpool.Environment) (domain.Measurement, error) {
	interp, ok := interpreters[language]
	if !ok {
		return domain.Measurement{}, fmt.Errorf("no interpreter for language %q", language)
	}

	dir, err := os.MkdirTemp("", "parallelproof-bench-")
	if err != nil {
		return domain.Measurement{}, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, interp.filename)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return domain.Measurement{}, err
	}

	cmd := exec.CommandContext(ctx, interp.cmd, path)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "PARALLELPROOF_ENV="+env.Ref)

	start := time.Now()
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Measurement{}, fmt.Errorf("%w: %v", domain.ErrBenchmarkTimeout, ctx.Err())
		}
		return domain.Measurement{}, fmt.Errorf("snippet exited with error: %v: %s", err, truncate(string(out), 400))
	}

	return domain.Measurement{Metric: float64(elapsed.Microseconds()) / 1000.0, Unit: "ms"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
