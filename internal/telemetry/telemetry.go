package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/parallelproof/parallelproof"

// Setup installs stdout-backed log and metric providers and returns a
// shutdown function flushing both.
func Setup(ctx context.Context) (func(context.Context) error, error) {
	logExporter, err := stdoutlog.New()
	if err != nil {
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	global.SetLoggerProvider(loggerProvider)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		mErr := meterProvider.Shutdown(ctx)
		if lErr := loggerProvider.Shutdown(ctx); lErr != nil {
			return lErr
		}
		return mErr
	}
	return shutdown, nil
}

// Logger returns a slog.Logger bridged into the OpenTelemetry log
// pipeline, named after the given component.
func Logger(component string) *slog.Logger {
	return otelslog.NewLogger(instrumentationName + "/" + component)
}

// Metrics holds the orchestration counters. A nil *Metrics is valid
// and counts nothing, so tests can pass nil.
type Metrics struct {
	tasksStarted    metric.Float64Counter
	tasksCompleted  metric.Float64Counter
	tasksFailed     metric.Float64Counter
	agentFailures   metric.Float64Counter
	leasesReclaimed metric.Float64Counter
}

// NewMetrics registers all counters on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	m := &Metrics{}
	specs := []struct {
		counter *metric.Float64Counter
		name    string
		desc    string
	}{
		{&m.tasksStarted, "parallelproof.tasks.started", "Optimization tasks dispatched"},
		{&m.tasksCompleted, "parallelproof.tasks.completed", "Optimization tasks finalized as completed"},
		{&m.tasksFailed, "parallelproof.tasks.failed", "Optimization tasks finalized as failed"},
		{&m.agentFailures, "parallelproof.agents.failed", "Agent runs ending in failure"},
		{&m.leasesReclaimed, "parallelproof.pool.reclaimed", "Environment leases force-reclaimed past their ceiling"},
	}
	for _, s := range specs {
		c, err := meter.Float64Counter(s.name, metric.WithDescription(s.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("creating counter %s: %w", s.name, err)
		}
		*s.counter = c
	}
	return m, nil
}

func add(ctx context.Context, c metric.Float64Counter) {
	if c == nil {
		return
	}
	c.Add(ctx, 1)
}

// TaskStarted counts a dispatched task.
func (m *Metrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.tasksStarted)
}

// TaskCompleted counts a task finalized as completed.
func (m *Metrics) TaskCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.tasksCompleted)
}

// TaskFailed counts a task finalized as failed.
func (m *Metrics) TaskFailed(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.tasksFailed)
}

// AgentFailed counts an agent run ending in failure.
func (m *Metrics) AgentFailed(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.agentFailures)
}

// LeaseReclaimed counts a force-reclaimed environment lease.
func (m *Metrics) LeaseReclaimed(ctx context.Context) {
	if m == nil {
		return
	}
	add(ctx, m.leasesReclaimed)
}
