// Package config loads engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/orchestrator"
)

// Backend names accepted in the storage, queue and feed sections.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendAMQP     = "amqp"
	BackendNone     = "none"
)

// Config is the full engine configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Feed         FeedConfig         `yaml:"feed"`
}

// OrchestratorConfig tunes the execution driver. Durations are plain
// integers (seconds / milliseconds) to keep the YAML surface simple.
type OrchestratorConfig struct {
	MaxInFlight               int `yaml:"max_in_flight"`
	LeaseTTLSeconds           int `yaml:"lease_ttl_seconds"`
	AppendRetries             int `yaml:"append_retries"`
	AppendBackoffMillis       int `yaml:"append_backoff_ms"`
	DefaultStepTimeoutSeconds int `yaml:"default_step_timeout_seconds"`
}

type StorageConfig struct {
	// Backend selects where templates, instances and the execution
	// ledger live: memory, sqlite, postgres or redis.
	Backend string `yaml:"backend"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	// Driver is the database/sql driver name the DSN is opened with;
	// "postgres" when empty. The driver must be registered by the
	// embedding binary.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// DriverName returns the configured driver, defaulting to "postgres".
func (p PostgresConfig) DriverName() string {
	if p.Driver == "" {
		return "postgres"
	}
	return p.Driver
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type QueueConfig struct {
	// Backend selects the task queue: memory or sqlite.
	Backend string `yaml:"backend"`

	SQLite SQLiteConfig `yaml:"sqlite"`
}

type FeedConfig struct {
	// Backend selects the change feed transport: none, redis or amqp.
	Backend string `yaml:"backend"`

	Redis       RedisConfig `yaml:"redis"`
	RedisStream string      `yaml:"redis_stream"`
	AMQPURL     string      `yaml:"amqp_url"`
	Exchange    string      `yaml:"exchange"`
}

// Default returns the configuration used when no file is given: fully
// in-memory, no feed.
func Default() Config {
	return Config{
		Orchestrator: OrchestratorConfig{
			MaxInFlight:         4,
			LeaseTTLSeconds:     15,
			AppendRetries:       3,
			AppendBackoffMillis: 50,
		},
		Storage: StorageConfig{Backend: BackendMemory},
		Queue:   QueueConfig{Backend: BackendMemory},
		Feed:    FeedConfig{Backend: BackendNone},
	}
}

// Load reads and validates a YAML configuration file. Missing fields
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks backend selections and value ranges.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
	}
	if c.Storage.Backend == BackendPostgres && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
	}
	if c.Storage.Backend == BackendRedis && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("storage.redis.addr is required for the redis backend")
	}

	switch c.Queue.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("queue.backend: unknown backend %q", c.Queue.Backend)
	}
	if c.Queue.Backend == BackendSQLite && c.Queue.SQLite.Path == "" {
		return fmt.Errorf("queue.sqlite.path is required for the sqlite queue")
	}

	switch c.Feed.Backend {
	case BackendNone, BackendRedis, BackendAMQP:
	default:
		return fmt.Errorf("feed.backend: unknown backend %q", c.Feed.Backend)
	}
	if c.Feed.Backend == BackendRedis && c.Feed.Redis.Addr == "" {
		return fmt.Errorf("feed.redis.addr is required for the redis feed")
	}
	if c.Feed.Backend == BackendAMQP && c.Feed.AMQPURL == "" {
		return fmt.Errorf("feed.amqp_url is required for the amqp feed")
	}

	if c.Orchestrator.MaxInFlight < 0 {
		return fmt.Errorf("orchestrator.max_in_flight must be >= 0")
	}
	if c.Orchestrator.LeaseTTLSeconds < 0 {
		return fmt.Errorf("orchestrator.lease_ttl_seconds must be >= 0")
	}
	return nil
}

// Orchestrator converts the YAML numbers into an orchestrator.Config.
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		MaxInFlight:    c.Orchestrator.MaxInFlight,
		LeaseTTL:       time.Duration(c.Orchestrator.LeaseTTLSeconds) * time.Second,
		AppendRetries:  c.Orchestrator.AppendRetries,
		AppendBackoff:  time.Duration(c.Orchestrator.AppendBackoffMillis) * time.Millisecond,
		DefaultTimeout: time.Duration(c.Orchestrator.DefaultStepTimeoutSeconds) * time.Second,
	}
}
