// Package config loads statesaga configuration.
//
// Values are resolved in three layers: built-in defaults, an optional YAML
// file, then environment variables prefixed with STATESAGA_ (for example
// STATESAGA_ENGINE_SNAPSHOT_INTERVAL or STATESAGA_STORE_DSN).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/statesaga/internal/breaker"
	"github.com/roach88/statesaga/internal/engine"
	"github.com/roach88/statesaga/internal/saga"
	"github.com/roach88/statesaga/internal/telemetry"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "STATESAGA_"

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Lock drivers.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config is the full configuration.
type Config struct {
	Engine    Engine    `yaml:"engine" envPrefix:"ENGINE_"`
	Saga      Saga      `yaml:"saga" envPrefix:"SAGA_"`
	Breaker   Breaker   `yaml:"breaker" envPrefix:"BREAKER_"`
	Store     Store     `yaml:"store" envPrefix:"STORE_"`
	Lock      Lock      `yaml:"lock" envPrefix:"LOCK_"`
	Log       Log       `yaml:"log" envPrefix:"LOG_"`
	Telemetry Telemetry `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// Engine configures transition engines.
type Engine struct {
	SnapshotInterval int           `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
	DedupeCapacity   int           `yaml:"dedupe_capacity" env:"DEDUPE_CAPACITY"`
	LockTimeout      time.Duration `yaml:"lock_timeout" env:"LOCK_TIMEOUT"`
}

// Saga configures orchestrators.
type Saga struct {
	MaxConcurrency     int           `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	DefaultMaxRetries  int           `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" env:"DEFAULT_STEP_TIMEOUT"`
	Backoff            Backoff       `yaml:"backoff" envPrefix:"BACKOFF_"`
}

// Backoff configures step retry delays. A positive Fixed selects a constant
// delay; otherwise the delay grows from Initial by Multiplier up to Max.
type Backoff struct {
	Initial    time.Duration `yaml:"initial" env:"INITIAL"`
	Max        time.Duration `yaml:"max" env:"MAX"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Fixed      time.Duration `yaml:"fixed" env:"FIXED"`
}

// Breaker configures circuit breakers.
type Breaker struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	OpenDuration     time.Duration `yaml:"open_duration" env:"OPEN_DURATION"`
	GuardTimeout     time.Duration `yaml:"guard_timeout" env:"GUARD_TIMEOUT"`
	ThrowWhenOpen    bool          `yaml:"throw_when_open" env:"THROW_WHEN_OPEN"`
}

// Store selects the durable store.
type Store struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// Lock selects the entity lock.
type Lock struct {
	Driver   string        `yaml:"driver" env:"DRIVER"`
	RedisURL string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Telemetry configures trace export.
type Telemetry struct {
	Enabled     bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	bc := breaker.DefaultConfig()
	return Config{
		Engine: Engine{
			SnapshotInterval: engine.DefaultSnapshotInterval,
			DedupeCapacity:   1000,
			LockTimeout:      engine.DefaultLockTimeout,
		},
		Saga: Saga{
			MaxConcurrency: saga.DefaultMaxConcurrency,
			Backoff: Backoff{
				Initial:    saga.DefaultInitialBackoff,
				Max:        saga.DefaultMaxBackoff,
				Multiplier: 2,
			},
		},
		Breaker: Breaker{
			FailureThreshold: bc.FailureThreshold,
			SuccessThreshold: bc.SuccessThreshold,
			OpenDuration:     bc.OpenDuration,
			GuardTimeout:     bc.GuardTimeout,
			ThrowWhenOpen:    bc.ThrowWhenOpen,
		},
		Store:     Store{Driver: StoreSQLite, Path: "statesaga.db"},
		Lock:      Lock{Driver: LockLocal, TTL: 30 * time.Second},
		Log:       Log{Level: "info", Format: "text"},
		Telemetry: Telemetry{ServiceName: "statesaga"},
	}
}

// Load resolves defaults, the YAML file at path (skipped when path is empty)
// and the environment, then validates the result.
func Load(path string) (Config, error) {
	return load(path, nil)
}

// load takes an explicit environment for tests; nil means the process
// environment.
func load(path string, environ map[string]string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Engine.SnapshotInterval > 0, "engine.snapshot_interval must be positive")
	check(c.Engine.DedupeCapacity > 0, "engine.dedupe_capacity must be positive")
	check(c.Engine.LockTimeout > 0, "engine.lock_timeout must be positive")
	check(c.Saga.MaxConcurrency > 0, "saga.max_concurrency must be positive")
	check(c.Saga.DefaultMaxRetries >= 0, "saga.default_max_retries must not be negative")
	check(c.Saga.DefaultStepTimeout >= 0, "saga.default_step_timeout must not be negative")
	if c.Saga.Backoff.Fixed <= 0 {
		check(c.Saga.Backoff.Initial > 0, "saga.backoff.initial must be positive")
		check(c.Saga.Backoff.Max >= c.Saga.Backoff.Initial, "saga.backoff.max must be >= initial")
		check(c.Saga.Backoff.Multiplier >= 1, "saga.backoff.multiplier must be >= 1")
	}
	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.SuccessThreshold > 0, "breaker.success_threshold must be positive")
	check(c.Breaker.OpenDuration > 0, "breaker.open_duration must be positive")
	check(c.Breaker.GuardTimeout > 0, "breaker.guard_timeout must be positive")

	switch c.Store.Driver {
	case StoreSQLite:
		check(c.Store.Path != "", "store.path is required for sqlite")
	case StorePostgres:
		check(c.Store.DSN != "", "store.dsn is required for postgres")
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: must be sqlite, postgres or memory", c.Store.Driver))
	}
	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		check(c.Lock.RedisURL != "", "lock.redis_url is required for redis")
		check(c.Lock.TTL > 0, "lock.ttl must be positive")
	default:
		errs = append(errs, fmt.Errorf("lock.driver %q: must be local or redis", c.Lock.Driver))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q: must be text or json", c.Log.Format)
	return errors.Join(errs...)
}

// BreakerConfig converts the breaker section.
func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		OpenDuration:     c.Breaker.OpenDuration,
		GuardTimeout:     c.Breaker.GuardTimeout,
		ThrowWhenOpen:    c.Breaker.ThrowWhenOpen,
	}
}

// BackoffFactory converts the saga backoff section.
func (c Config) BackoffFactory() saga.BackoffFactory {
	b := c.Saga.Backoff
	if b.Fixed > 0 {
		return saga.ConstantBackoff(b.Fixed)
	}
	return saga.ExponentialBackoff(b.Initial, b.Max, b.Multiplier)
}

// TelemetryConfig converts the telemetry section.
func (c Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:     c.Telemetry.Enabled,
		Endpoint:    c.Telemetry.Endpoint,
		ServiceName: c.Telemetry.ServiceName,
	}
}

// NewLogger builds a slog logger writing to w.
func (l Log) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
