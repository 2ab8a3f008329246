package loom

import (
	"database/sql"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/taskqueue"
	"github.com/loomworks/loom/pkg/feed"
	"github.com/loomworks/loom/pkg/worker"
)

// Config selects the storage, queue and feed backends and tunes the
// orchestrator. It is typically loaded from a YAML file with LoadConfig;
// DefaultConfig gives a fully in-memory setup.
type Config = config.Config

// DefaultConfig returns the configuration used when no file is given:
// in-memory storage and queue, no feed.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads and validates a YAML configuration file. Fields
// absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// NewEngineFromConfigFile loads path and builds an Engine from it.
func NewEngineFromConfigFile(path string, opts Options) (Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return NewEngineFromConfig(cfg, opts)
}

// NewEngineFromConfig builds an Engine with the backends cfg selects.
// The orchestrator tuning comes from cfg; opts supplies the process
// hooks (Observer, Logger) and may override the feed. Postgres DSNs are
// opened with the configured driver name, which the embedding binary
// must register.
func NewEngineFromConfig(cfg Config, opts Options) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := opts.Feed
	if f == nil {
		var err error
		f, err = feedFromConfig(cfg.Feed)
		if err != nil {
			return nil, err
		}
	}

	build := func(st store.Store, led ledger.Ledger) Engine {
		return orchestrator.New(cfg.OrchestratorConfig(), registry.New(),
			st, led, f, opts.Observer, opts.Logger)
	}

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		ms := store.NewInMemoryStore()
		return build(store.Store{Templates: ms, Instances: ms},
			ledger.NewInMemoryLedger()), nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		ss, err := store.NewSQLiteStore(db)
		if err != nil {
			return nil, err
		}
		led, err := ledger.NewSQLiteLedger(db)
		if err != nil {
			return nil, err
		}
		return build(store.Store{Templates: ss, Instances: ss}, led), nil

	case config.BackendPostgres:
		db, err := sql.Open(cfg.Storage.Postgres.DriverName(), cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		ps, err := store.NewPostgresStore(db)
		if err != nil {
			return nil, err
		}
		led, err := ledger.NewPostgresLedger(db)
		if err != nil {
			return nil, err
		}
		return build(store.Store{Templates: ps, Instances: ps}, led), nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		rs := store.NewRedisStore(client, cfg.Storage.Redis.Prefix)
		return build(store.Store{Templates: rs, Instances: rs},
			ledger.NewRedisLedger(client, cfg.Storage.Redis.Prefix)), nil
	}
	return nil, fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
}

// NewWorkerFromConfig builds a background worker for eng from the
// queue section of cfg.
func NewWorkerFromConfig(eng Engine, cfg Config) (*worker.Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Queue.Backend {
	case config.BackendMemory:
		return worker.New(eng, taskqueue.NewInMemoryQueue(0), nil), nil

	case config.BackendSQLite:
		db, err := sql.Open("sqlite", cfg.Queue.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		q, err := taskqueue.NewSQLiteQueue(db)
		if err != nil {
			return nil, err
		}
		return worker.New(eng, q, nil), nil
	}
	return nil, fmt.Errorf("queue.backend: unknown backend %q", cfg.Queue.Backend)
}

func feedFromConfig(fc config.FeedConfig) (feed.Feed, error) {
	switch fc.Backend {
	case config.BackendNone, "":
		return feed.NopFeed{}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     fc.Redis.Addr,
			Password: fc.Redis.Password,
			DB:       fc.Redis.DB,
		})
		return feed.NewRedisFeed(client, fc.RedisStream, 0), nil

	case config.BackendAMQP:
		conn, err := amqp.Dial(fc.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("dial amqp feed: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("open amqp channel: %w", err)
		}
		return feed.NewAMQPFeed(ch, fc.Exchange)
	}
	return nil, fmt.Errorf("feed.backend: unknown backend %q", fc.Backend)
}
