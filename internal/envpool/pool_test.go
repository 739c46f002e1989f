package envpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parallelproof/parallelproof/internal/domain"
)

// countingProvisioner tracks live environments so tests can assert the
// capacity invariant and leak-freedom.
type countingProvisioner struct {
	mu      sync.Mutex
	live    int
	maxLive int
	failing bool
	delay   time.Duration
}

func (p *countingProvisioner) Provision(ctx context.Context) (Environment, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return Environment{}, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return Environment{}, errors.New("backend down")
	}
	p.live++
	if p.live > p.maxLive {
		p.maxLive = p.live
	}
	return Environment{ID: uuid.New().String()}, nil
}

func (p *countingProvisioner) Release(ctx context.Context, env Environment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	return nil
}

func newTestManager(capacity int, ceiling time.Duration, prov Provisioner) *Manager {
	return NewManager(capacity, ceiling, time.Second, prov, nil)
}

func TestManager_CapacityNeverExceeded(t *testing.T) {
	prov := &countingProvisioner{}
	m := newTestManager(2, time.Minute, prov)

	var wg sync.WaitGroup
	var maxLeased int64

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := m.Acquire(context.Background(), "task-1", "agent")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer m.Release(h)

			leased := int64(m.Leased())
			for {
				prev := atomic.LoadInt64(&maxLeased)
				if leased <= prev || atomic.CompareAndSwapInt64(&maxLeased, prev, leased) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	if maxLeased > 2 {
		t.Errorf("max concurrent leases = %d, want <= 2", maxLeased)
	}
	if prov.maxLive > 2 {
		t.Errorf("max live environments = %d, want <= 2", prov.maxLive)
	}
	if m.Leased() != 0 || prov.live != 0 {
		t.Errorf("pool leaked: leases=%d live=%d", m.Leased(), prov.live)
	}
}

func TestManager_AcquireTimeout(t *testing.T) {
	prov := &countingProvisioner{}
	m := newTestManager(1, time.Minute, prov)

	h, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(h)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "task-1", "agent-1")
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Errorf("error = %v, want ErrPoolExhausted", err)
	}
}

func TestManager_ProvisionFailureFreesSlot(t *testing.T) {
	prov := &countingProvisioner{failing: true}
	m := newTestManager(1, time.Minute, prov)

	_, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if !errors.Is(err, domain.ErrProvisioningFailed) {
		t.Fatalf("error = %v, want ErrProvisioningFailed", err)
	}

	// The slot must not be consumed by the failed provision.
	prov.failing = false
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h, err := m.Acquire(ctx, "task-1", "agent-1")
	if err != nil {
		t.Fatalf("slot leaked by failed provision: %v", err)
	}
	m.Release(h)
}

// flakyProvisioner fails the first failures calls to Provision, then
// behaves like a normal backend.
type flakyProvisioner struct {
	countingProvisioner
	failures int32
	calls    int32
}

func (p *flakyProvisioner) Provision(ctx context.Context) (Environment, error) {
	if atomic.AddInt32(&p.calls, 1) <= atomic.LoadInt32(&p.failures) {
		return Environment{}, errors.New("backend hiccup")
	}
	return p.countingProvisioner.Provision(ctx)
}

func TestManager_AcquireRetriesTransientProvisionFailure(t *testing.T) {
	prov := &flakyProvisioner{failures: 1}
	m := newTestManager(1, time.Minute, prov)

	h, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if err != nil {
		t.Fatalf("acquire after one transient failure: %v", err)
	}
	m.Release(h)

	if got := atomic.LoadInt32(&prov.calls); got != 2 {
		t.Errorf("provision calls = %d, want 2 (one retry)", got)
	}
	if prov.live != 0 {
		t.Errorf("live environments = %d, want 0", prov.live)
	}
}

func TestManager_AcquireRetriesOnlyOnce(t *testing.T) {
	prov := &flakyProvisioner{failures: 2}
	m := newTestManager(1, time.Minute, prov)

	_, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if !errors.Is(err, domain.ErrProvisioningFailed) {
		t.Fatalf("error = %v, want ErrProvisioningFailed after retry budget", err)
	}
	if got := atomic.LoadInt32(&prov.calls); got != 2 {
		t.Errorf("provision calls = %d, want 2", got)
	}

	// The persistent failure must still free the slot.
	atomic.StoreInt32(&prov.failures, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h, err := m.Acquire(ctx, "task-1", "agent-1")
	if err != nil {
		t.Fatalf("slot leaked by failed retry: %v", err)
	}
	m.Release(h)
}

func TestManager_ReleaseIdempotent(t *testing.T) {
	prov := &countingProvisioner{}
	m := newTestManager(2, time.Minute, prov)

	h, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if err != nil {
		t.Fatal(err)
	}

	m.Release(h)
	m.Release(h) // second release is a no-op
	m.Release(nil)

	if m.Leased() != 0 {
		t.Errorf("leased = %d, want 0", m.Leased())
	}
	if prov.live != 0 {
		t.Errorf("live environments = %d, want 0 (double release must not double-teardown)", prov.live)
	}
}

func TestManager_ReapExpired(t *testing.T) {
	prov := &countingProvisioner{}
	m := newTestManager(1, 10*time.Millisecond, prov)

	h, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)

	if n := m.ReapExpired(); n != 1 {
		t.Errorf("reaped = %d, want 1", n)
	}
	if m.Reclaimed() != 1 {
		t.Errorf("reclaimed = %d, want 1", m.Reclaimed())
	}
	if m.Leased() != 0 {
		t.Errorf("leased = %d, want 0 after reap", m.Leased())
	}

	// The slot is usable again.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h2, err := m.Acquire(ctx, "task-1", "agent-1")
	if err != nil {
		t.Fatalf("slot not returned by reap: %v", err)
	}
	m.Release(h2)

	// Releasing the reaped handle later must be harmless.
	m.Release(h)
	if prov.live != 0 {
		t.Errorf("live environments = %d, want 0", prov.live)
	}
}

func TestManager_ReapLeavesFreshLeases(t *testing.T) {
	prov := &countingProvisioner{}
	m := newTestManager(2, time.Minute, prov)

	h, err := m.Acquire(context.Background(), "task-1", "agent-0")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Release(h)

	if n := m.ReapExpired(); n != 0 {
		t.Errorf("reaped = %d, want 0 for fresh lease", n)
	}
	if m.Leased() != 1 {
		t.Errorf("leased = %d, want 1", m.Leased())
	}
}
