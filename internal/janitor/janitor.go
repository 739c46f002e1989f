package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/parallelproof/parallelproof/internal/telemetry"
)

// Pool is the lease-reclaim surface of the environment pool.
type Pool interface {
	ReapExpired() int
}

// Store finalizes agent runs abandoned past their deadline.
type Store interface {
	FailAbandoned(cutoff time.Time) (int64, error)
}

// Janitor runs scheduled maintenance: reclaiming expired environment
// leases and failing agent runs that never came back. It is the
// backstop for work that escaped cooperative cancellation.
type Janitor struct {
	pool           Pool
	store          Store
	schedule       cron.Schedule
	abandonedAfter time.Duration
	metrics        *telemetry.Metrics
	logger         *slog.Logger

	mu       sync.Mutex
	lastRun  time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// New builds a janitor from a standard five-field cron expression.
func New(pool Pool, store Store, cronExpr string, abandonedAfter time.Duration, metrics *telemetry.Metrics, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parsing janitor cron %q: %w", cronExpr, err)
	}
	return &Janitor{
		pool:           pool,
		store:          store,
		schedule:       schedule,
		abandonedAfter: abandonedAfter,
		metrics:        metrics,
		logger:         logger,
		stopChan:       make(chan struct{}),
	}, nil
}

// ShouldRun reports whether the schedule has elapsed since the last
// sweep.
func (j *Janitor) ShouldRun(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	last := j.lastRun
	if last.IsZero() {
		last = now.Add(-24 * time.Hour)
	}
	return now.After(j.schedule.Next(last))
}

// Sweep performs one maintenance pass.
func (j *Janitor) Sweep(now time.Time) {
	j.mu.Lock()
	j.lastRun = now
	j.mu.Unlock()

	reclaimed := j.pool.ReapExpired()
	for i := 0; i < reclaimed; i++ {
		j.metrics.LeaseReclaimed(context.Background())
	}

	failed, err := j.store.FailAbandoned(now.Add(-j.abandonedAfter))
	if err != nil {
		j.logger.Error("failing abandoned runs", "error", err)
	}

	if reclaimed > 0 || failed > 0 {
		j.logger.Info("janitor sweep", "leases_reclaimed", reclaimed, "runs_failed", failed)
	}
}

// Start ticks once a minute and sweeps when the schedule is due.
// It blocks until Stop is called.
func (j *Janitor) Start() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopChan:
			return
		case now := <-ticker.C:
			if j.ShouldRun(now) {
				j.Sweep(now)
			}
		}
	}
}

// Stop terminates the Start loop. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}
