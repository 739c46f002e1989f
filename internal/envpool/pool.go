// Package envpool bounds and tracks leases on ephemeral isolated
// execution environments. It owns the only capacity counter in the
// system; everything else reaches it through Acquire/Release.
package envpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parallelproof/parallelproof/internal/domain"
	"golang.org/x/sync/semaphore"
)

// Environment references one provisioned isolated environment.
type Environment struct {
	ID  string // provisioner-specific identifier (container id, fork name, ...)
	Ref string // connection reference usable inside the environment
}

// Provisioner is the external collaborator that actually creates and
// tears down environments. Implementations live in internal/sandbox.
type Provisioner interface {
	Provision(ctx context.Context) (Environment, error)
	Release(ctx context.Context, env Environment) error
}

// Handle is the capability token for one leased environment. It must be
// released exactly once; Manager.Release is idempotent so error paths
// can defer it unconditionally.
type Handle struct {
	ID         string
	Env        Environment
	TaskID     string
	AgentID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager enforces the pool capacity and lease bookkeeping.
type Manager struct {
	capacity       int
	sem            *semaphore.Weighted
	prov           Provisioner
	leaseCeiling   time.Duration
	releaseTimeout time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	leases    map[string]*Handle
	reclaimed int
}

// NewManager creates a pool manager with the given capacity and lease
// ceiling. Handles not released within the ceiling are force-reclaimed
// by ReapExpired.
func NewManager(capacity int, leaseCeiling, releaseTimeout time.Duration, prov Provisioner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		capacity:       capacity,
		sem:            semaphore.NewWeighted(int64(capacity)),
		prov:           prov,
		leaseCeiling:   leaseCeiling,
		releaseTimeout: releaseTimeout,
		logger:         logger,
		leases:         make(map[string]*Handle),
	}
}

// Acquire blocks until a slot frees or ctx expires, then provisions an
// environment. A transient backend failure is retried once before the
// slot is given back. On timeout it returns domain.ErrPoolExhausted; on
// backend failure domain.ErrProvisioningFailed. Both leave the pool in
// a consistent state.
func (m *Manager) Acquire(ctx context.Context, taskID, agentID string) (*Handle, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPoolExhausted, err)
	}

	env, err := m.provision(ctx, taskID, agentID)
	if err != nil {
		m.sem.Release(1)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %v", domain.ErrPoolExhausted, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProvisioningFailed, err)
	}

	now := time.Now()
	h := &Handle{
		ID:         uuid.New().String(),
		Env:        env,
		TaskID:     taskID,
		AgentID:    agentID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.leaseCeiling),
	}

	m.mu.Lock()
	m.leases[h.ID] = h
	m.mu.Unlock()

	return h, nil
}

// provision creates an environment, retrying once on a backend error.
// Context errors are not retried; the caller is already out of time.
func (m *Manager) provision(ctx context.Context, taskID, agentID string) (Environment, error) {
	env, err := m.prov.Provision(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return env, err
	}

	m.logger.Warn("environment provisioning failed, retrying once",
		"task", taskID, "agent", agentID, "error", err)
	return m.prov.Provision(ctx)
}

// Release returns a handle's slot to the pool and tears down its
// environment. Safe to call more than once; only the first call has an
// effect.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}

	m.mu.Lock()
	_, live := m.leases[h.ID]
	if live {
		delete(m.leases, h.ID)
	}
	m.mu.Unlock()

	if !live {
		return
	}

	m.teardown(h)
	m.sem.Release(1)
}

// ReapExpired force-releases every lease past its expiry and returns
// how many were reclaimed. Leaked leases indicate a runner that never
// returned; they are logged so the leak is visible.
func (m *Manager) ReapExpired() int {
	now := time.Now()

	m.mu.Lock()
	var expired []*Handle
	for id, h := range m.leases {
		if now.After(h.ExpiresAt) {
			expired = append(expired, h)
			delete(m.leases, id)
		}
	}
	m.reclaimed += len(expired)
	m.mu.Unlock()

	for _, h := range expired {
		m.logger.Warn("reclaiming leaked environment lease",
			"handle", h.ID, "task", h.TaskID, "agent", h.AgentID,
			"held", now.Sub(h.AcquiredAt).String())
		m.teardown(h)
		m.sem.Release(1)
	}

	return len(expired)
}

// Leased returns the number of currently held leases.
func (m *Manager) Leased() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Capacity returns the configured maximum concurrent leases.
func (m *Manager) Capacity() int {
	return m.capacity
}

// Reclaimed returns the total number of force-reclaimed leases.
func (m *Manager) Reclaimed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimed
}

// teardown releases the underlying environment with its own deadline so
// a stuck backend cannot hold the caller hostage.
func (m *Manager) teardown(h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
	defer cancel()

	if err := m.prov.Release(ctx, h.Env); err != nil {
		m.logger.Error("environment teardown failed", "env", h.Env.ID, "error", err)
	}
}
