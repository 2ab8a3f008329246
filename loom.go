package loom

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/api"
	"github.com/loomworks/loom/pkg/feed"
	"github.com/loomworks/loom/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine           = api.Engine
	TemplateDraft    = api.TemplateDraft
	WorkflowTemplate = api.WorkflowTemplate
	WorkflowInstance = api.WorkflowInstance
	ExecutionRecord  = api.ExecutionRecord
	StepAttempt      = api.StepAttempt
	StepSpec         = api.StepSpec
	InputSpec        = api.InputSpec
	RetryPolicy      = api.RetryPolicy
	Handler          = api.Handler
	HandlerFunc      = api.HandlerFunc
	StepInput        = api.StepInput
	Interpreter      = api.Interpreter
	TemplateFilter   = api.TemplateFilter
	InstanceFilter   = api.InstanceFilter

	ExecutionStatus = api.ExecutionStatus
	AttemptStatus   = api.AttemptStatus
	InstanceStatus  = api.InstanceStatus

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	ExecutionPending   = api.ExecutionPending
	ExecutionRunning   = api.ExecutionRunning
	ExecutionCompleted = api.ExecutionCompleted
	ExecutionFailed    = api.ExecutionFailed
	ExecutionAborted   = api.ExecutionAborted
)

// Options configures engine construction beyond the defaults. The zero
// value is usable.
type Options struct {
	// MaxInFlight caps concurrently running step attempts per execution
	// (default 4).
	MaxInFlight int

	// LeaseTTL is the writer lease duration on executions (default 15s).
	LeaseTTL time.Duration

	// DefaultStepTimeout applies to steps whose spec sets no timeout.
	// Zero means no deadline.
	DefaultStepTimeout time.Duration

	// Observer receives execution and step lifecycle callbacks.
	Observer Observer

	// Feed receives change events (template publishes, execution status).
	Feed feed.Feed

	// Logger is used for engine diagnostics; slog.Default() when nil.
	Logger *slog.Logger
}

func (o Options) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxInFlight:    o.MaxInFlight,
		LeaseTTL:       o.LeaseTTL,
		DefaultTimeout: o.DefaultStepTimeout,
	}
}

// Engine constructors
// These wrap the internal packages so external callers never need to
// import them.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores. Non-durable; intended for tests and development.
func NewInMemoryEngine() Engine {
	return NewInMemoryEngineWithOptions(Options{})
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return NewInMemoryEngineWithOptions(Options{Observer: obs})
}

// NewInMemoryEngineWithOptions returns an in-memory Engine with full options.
func NewInMemoryEngineWithOptions(opts Options) Engine {
	ms := store.NewInMemoryStore()
	return orchestrator.New(
		opts.orchestratorConfig(),
		registry.New(),
		store.Store{Templates: ms, Instances: ms},
		ledger.NewInMemoryLedger(),
		opts.Feed,
		opts.Observer,
		opts.Logger,
	)
}

// NewSQLiteEngine returns an Engine that persists templates, instances
// and the execution ledger in a SQLite database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithOptions(db, Options{})
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return NewSQLiteEngineWithOptions(db, Options{Observer: obs})
}

// NewSQLiteEngineWithOptions returns a SQLite-backed Engine with full options.
func NewSQLiteEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	ss, err := store.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	led, err := ledger.NewSQLiteLedger(db)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(
		opts.orchestratorConfig(),
		registry.New(),
		store.Store{Templates: ss, Instances: ss},
		led,
		opts.Feed,
		opts.Observer,
		opts.Logger,
	), nil
}

// NewPostgresEngine returns an Engine that persists state in
// PostgreSQL. The *sql.DB must be opened with a Postgres driver.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return NewPostgresEngineWithOptions(db, Options{})
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return NewPostgresEngineWithOptions(db, Options{Observer: obs})
}

// NewPostgresEngineWithOptions returns a Postgres-backed Engine with full options.
func NewPostgresEngineWithOptions(db *sql.DB, opts Options) (Engine, error) {
	ps, err := store.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	led, err := ledger.NewPostgresLedger(db)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(
		opts.orchestratorConfig(),
		registry.New(),
		store.Store{Templates: ps, Instances: ps},
		led,
		opts.Feed,
		opts.Observer,
		opts.Logger,
	), nil
}

// NewRedisEngine returns an Engine that persists state in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return NewRedisEngineWithOptions(client, Options{})
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return NewRedisEngineWithOptions(client, Options{Observer: obs})
}

// NewRedisEngineWithOptions returns a Redis-backed Engine with full options.
func NewRedisEngineWithOptions(client *redis.Client, opts Options) Engine {
	rs := store.NewRedisStore(client, "")
	return orchestrator.New(
		opts.orchestratorConfig(),
		registry.New(),
		store.Store{Templates: rs, Instances: rs},
		ledger.NewRedisLedger(client, ""),
		opts.Feed,
		opts.Observer,
		opts.Logger,
	)
}

// Worker constructors.

// NewWorker returns a background worker driving eng from an in-memory
// task queue. Enqueued work does not survive a restart.
func NewWorker(eng Engine) *worker.Worker {
	return worker.New(eng, taskqueue.NewInMemoryQueue(0), nil)
}

// NewSQLiteWorker returns a background worker driving eng from a
// SQLite-backed task queue, so queued work survives restarts.
func NewSQLiteWorker(eng Engine, db *sql.DB) (*worker.Worker, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return worker.New(eng, q, nil), nil
}

// Convenience helpers that just forward to the underlying Engine.

// Publish validates and publishes a template draft as a new version.
func Publish(ctx context.Context, eng Engine, draft TemplateDraft) (*WorkflowTemplate, error) {
	return eng.PublishTemplate(ctx, draft)
}

// Materialize interprets a natural-language request and publishes the
// resulting draft.
func Materialize(ctx context.Context, eng Engine, interp Interpreter, text string) (*WorkflowTemplate, error) {
	return eng.Materialize(ctx, interp, text)
}

// Execute runs an instance synchronously and returns its record.
func Execute(ctx context.Context, eng Engine, instanceID string) (*ExecutionRecord, error) {
	return eng.Execute(ctx, instanceID)
}

// Abort requests cancellation of a running execution.
func Abort(ctx context.Context, eng Engine, executionID, reason string) error {
	return eng.Abort(ctx, executionID, reason)
}

// Recover resumes executions interrupted by a crash.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := loom.Recover(ctx, engine)
func Recover(ctx context.Context, eng Engine) (int, error) {
	return eng.Recover(ctx)
}
