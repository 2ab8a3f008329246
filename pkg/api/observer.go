package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the workflow engine for logging and
// metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay execution.
type Observer interface {
	// OnExecutionStart is called once when an execution begins driving,
	// before any step is dispatched.
	OnExecutionStart(ctx context.Context, rec *ExecutionRecord)

	// OnExecutionFinished is called when an execution reaches a terminal
	// status (COMPLETED, FAILED or ABORTED).
	OnExecutionFinished(ctx context.Context, rec *ExecutionRecord)

	// OnStepStart is called before dispatching a step attempt.
	OnStepStart(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int)

	// OnStepCompleted is called after a step attempt resolves, for
	// successes and failures alike (err != nil on failure/timeout).
	OnStepCompleted(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int, err error, duration time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStart(ctx context.Context, rec *ExecutionRecord)    {}
func (NoopObserver) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {}
func (NoopObserver) OnStepStart(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int) {
}
func (NoopObserver) OnStepCompleted(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStart(ctx context.Context, rec *ExecutionRecord) {
	for _, o := range c.observers {
		o.OnExecutionStart(ctx, rec)
	}
}

func (c *CompositeObserver) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {
	for _, o := range c.observers {
		o.OnExecutionFinished(ctx, rec)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, rec, stepID, attempt)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, rec, stepID, attempt, err, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution / step
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStart(ctx context.Context, rec *ExecutionRecord) {
	o.Logger.InfoContext(ctx, "execution_start",
		slog.String("execution_id", rec.ID),
		slog.String("instance_id", rec.InstanceID),
		slog.String("template_id", rec.TemplateID),
		slog.Int("template_version", rec.TemplateVersion),
	)
}

func (o *LoggingObserver) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {
	level := slog.LevelInfo
	if rec.Status == ExecutionFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "execution_finished",
		slog.String("execution_id", rec.ID),
		slog.String("instance_id", rec.InstanceID),
		slog.String("status", string(rec.Status)),
		slog.Duration("duration", rec.Duration()),
	)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("execution_id", rec.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("execution_id", rec.ID),
		slog.String("step", stepID),
		slog.Int("attempt", attempt),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate attempt durations.
// It implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted  atomic.Int64
	executionsFinished atomic.Int64
	executionsFailed   atomic.Int64
	attemptsCompleted  atomic.Int64
	totalAttemptNanos  atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted  int64
	ExecutionsFinished int64
	ExecutionsFailed   int64
	ActiveExecutions   int64

	AttemptsCompleted  int64
	AvgAttemptDuration time.Duration
}

func (m *BasicMetrics) OnExecutionStart(ctx context.Context, rec *ExecutionRecord) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionFinished(ctx context.Context, rec *ExecutionRecord) {
	m.executionsFinished.Add(1)
	if rec.Status == ExecutionFailed {
		m.executionsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, rec *ExecutionRecord, stepID string, attempt int, err error, d time.Duration) {
	// Only successful attempts count toward the average duration.
	if err == nil {
		m.attemptsCompleted.Add(1)
		m.totalAttemptNanos.Add(d.Nanoseconds())
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	finished := m.executionsFinished.Load()
	failed := m.executionsFailed.Load()
	attempts := m.attemptsCompleted.Load()
	totalNs := m.totalAttemptNanos.Load()

	var avg time.Duration
	if attempts > 0 {
		avg = time.Duration(totalNs / attempts)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:  started,
		ExecutionsFinished: finished,
		ExecutionsFailed:   failed,
		ActiveExecutions:   started - finished,
		AttemptsCompleted:  attempts,
		AvgAttemptDuration: avg,
	}
}
