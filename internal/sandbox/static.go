// Package sandbox provides concrete environment provisioners and
// benchmark runners behind the envpool and agent interfaces.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/parallelproof/parallelproof/internal/envpool"
)

// StaticProvisioner hands out virtual environments that all share one
// base database reference. Instant and free: isolation is nominal, the
// pool's capacity cap still applies. This mirrors running against the
// main database when real forks are unavailable.
type StaticProvisioner struct {
	baseRef string
	logger  *slog.Logger
	seq     atomic.Int64
}

// NewStaticProvisioner creates a virtual provisioner over baseRef.
func NewStaticProvisioner(baseRef string, logger *slog.Logger) *StaticProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("static provisioner: all environments share the base reference", "base", baseRef)
	return &StaticProvisioner{baseRef: baseRef, logger: logger}
}

// Provision returns a new virtual environment immediately.
func (p *StaticProvisioner) Provision(ctx context.Context) (envpool.Environment, error) {
	n := p.seq.Add(1)
	return envpool.Environment{ID: fmt.Sprintf("virtual-%d", n), Ref: p.baseRef}, nil
}

// Release is a no-op for virtual environments.
func (p *StaticProvisioner) Release(ctx context.Context, env envpool.Environment) error {
	return nil
}
