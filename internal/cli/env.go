package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/statesaga/internal/breaker"
	"github.com/roach88/statesaga/internal/config"
	"github.com/roach88/statesaga/internal/definition"
	"github.com/roach88/statesaga/internal/engine"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/lock"
	"github.com/roach88/statesaga/internal/pgstore"
	"github.com/roach88/statesaga/internal/saga"
	"github.com/roach88/statesaga/internal/store"
	"github.com/roach88/statesaga/internal/store/memstore"
	"github.com/roach88/statesaga/internal/telemetry"
)

// Backend is the durable store commands read and write. store.Store,
// pgstore.Store and memstore.Store implement it.
type Backend interface {
	engine.EventLog
	engine.SnapshotStore
	saga.HistoryStore
	LastSeq(ctx context.Context, entityID string) (int64, error)
	ListEntities(ctx context.Context) ([]string, error)
	ReadRun(ctx context.Context, runID string) (ir.SagaRunRecord, error)
	ReadStepRecords(ctx context.Context, runID string) ([]ir.StepRecord, error)
	ListRuns(ctx context.Context, sagaName string, limit int) ([]ir.SagaRunRecord, error)
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*pgstore.Store)(nil)
	_ Backend = (*memstore.Store)(nil)
)

// Env is the configured runtime shared by commands that touch the store.
type Env struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    Backend
	Locker   lock.Locker
	Breakers *breaker.Registry

	closers []func(context.Context) error
}

// loadConfig resolves the configuration and applies command-line overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Store.Driver = config.StoreSQLite
		cfg.Store.Path = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openEnv loads configuration and opens the store, locker, breakers and
// tracing it names. Logs go to logw. Callers must Close the Env.
func openEnv(ctx context.Context, opts *RootOptions, logw io.Writer) (*Env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	env := &Env{Config: cfg, Logger: cfg.Log.NewLogger(logw)}

	shutdown, err := telemetry.Setup(ctx, cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	env.closers = append(env.closers, shutdown)

	if err := env.openStore(ctx); err != nil {
		env.Close(ctx)
		return nil, err
	}
	if err := env.openLocker(); err != nil {
		env.Close(ctx)
		return nil, err
	}
	if cfg.Breaker.Enabled {
		env.Breakers = breaker.NewRegistry(cfg.BreakerConfig(), breaker.WithLogger(env.Logger))
	}
	env.Logger.Debug("environment ready",
		"store", cfg.Store.Driver,
		"lock", cfg.Lock.Driver,
		"breaker", cfg.Breaker.Enabled,
	)
	return env, nil
}

func (e *Env) openStore(ctx context.Context) error {
	sc := e.Config.Store
	switch sc.Driver {
	case config.StoreSQLite:
		st, err := store.Open(sc.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store %s: %w", sc.Path, err)
		}
		e.Store = st
		e.closers = append(e.closers, func(context.Context) error { return st.Close() })
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, pgstore.DefaultConfig(sc.DSN))
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		e.Store = st
		e.closers = append(e.closers, func(context.Context) error { return st.Close() })
	case config.StoreMemory:
		e.Store = memstore.New()
	default:
		return fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	return nil
}

func (e *Env) openLocker() error {
	lc := e.Config.Lock
	switch lc.Driver {
	case config.LockRedis:
		l, err := lock.NewRedisLockerFromURL(lc.RedisURL, lock.WithTTL(lc.TTL))
		if err != nil {
			return err
		}
		e.Locker = l
	default:
		e.Locker = lock.NewKeyedMutex()
	}
	return nil
}

// EngineOptions returns the engine options the configuration selects.
func (e *Env) EngineOptions() []engine.Option {
	ec := e.Config.Engine
	opts := []engine.Option{
		engine.WithSnapshotStore(e.Store),
		engine.WithLocker(e.Locker),
		engine.WithLogger(e.Logger),
		engine.WithTracer(telemetry.Tracer()),
		engine.WithSnapshotInterval(ec.SnapshotInterval),
		engine.WithDedupeCapacity(ec.DedupeCapacity),
		engine.WithLockTimeout(ec.LockTimeout),
	}
	if e.Breakers != nil {
		opts = append(opts, engine.WithBreaker(e.Breakers))
	}
	return opts
}

// SagaOptions returns the orchestrator options the configuration selects.
func (e *Env) SagaOptions() []saga.Option {
	sc := e.Config.Saga
	opts := []saga.Option{
		saga.WithLogger(e.Logger),
		saga.WithTracer(telemetry.Tracer()),
		saga.WithMaxConcurrency(sc.MaxConcurrency),
		saga.WithDefaultMaxRetries(sc.DefaultMaxRetries),
		saga.WithBackoff(e.Config.BackoffFactory()),
		saga.WithHistoryStore(e.Store),
	}
	if sc.DefaultStepTimeout > 0 {
		opts = append(opts, saga.WithStepTimeout(sc.DefaultStepTimeout))
	}
	if e.Breakers != nil {
		opts = append(opts, saga.WithBreaker(e.Breakers))
	}
	return opts
}

// Runtime loads the definition at path and hosts it on the store.
func (e *Env) Runtime(path string) (*definition.Runtime, error) {
	doc, err := definition.Load(path)
	if err != nil {
		return nil, err
	}
	rt, err := definition.NewRuntime(doc, e.Store, e.EngineOptions()...)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, rt.Shutdown)
	return rt, nil
}

// Close releases everything in reverse order of acquisition.
func (e *Env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
