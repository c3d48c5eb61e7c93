package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/statesaga/internal/breaker"
	"github.com/roach88/statesaga/internal/engine"
	"github.com/roach88/statesaga/internal/telemetry"
)

// Status is the lifecycle status of a saga run.
type Status string

const (
	StatusNotStarted         Status = "not_started"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusCompensating       Status = "compensating"
	StatusCompensated        Status = "compensated"
	StatusCompensationFailed Status = "compensation_failed"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further execution will happen in this status.
// A completed saga may still be compensated explicitly.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCompensationFailed, StatusFailed:
		return true
	}
	return false
}

// StepFunc is the execute or compensate function of a step. Returning an
// error wrapped with Permanent stops retries.
type StepFunc[D any] func(ctx context.Context, data D) error

// Step is one unit of work in a saga.
type Step[D any] struct {
	Name         string
	Dependencies []string
	Execute      StepFunc[D]
	// Compensate undoes a successful Execute. Optional.
	Compensate StepFunc[D]
	// Timeout bounds each attempt. Zero uses the orchestrator default.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// uses the orchestrator default; NoRetries disables retries.
	MaxRetries int
	// Condition excludes the step from the run when it returns false. It is
	// evaluated when the step's level is scheduled.
	Condition func(D) bool
}

// NoRetries is a MaxRetries value that allows a single attempt regardless
// of WithDefaultMaxRetries.
const NoRetries = -1

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

var (
	// ErrAlreadyStarted is returned when Execute is called twice.
	ErrAlreadyStarted = errors.New("saga already started")

	// ErrNotCompensable is returned by Compensate unless the saga completed.
	ErrNotCompensable = errors.New("saga not compensable")
)

// StepError is the final failure of a step after its retries.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// BackoffFactory returns a fresh retry policy for one step execution.
type BackoffFactory func() backoff.BackOff

// ExponentialBackoff returns a factory of exponential policies.
func ExponentialBackoff(initial, maxInterval time.Duration, multiplier float64) BackoffFactory {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		if multiplier > 0 {
			b.Multiplier = multiplier
		}
		return b
	}
}

// ConstantBackoff returns a factory of fixed-interval policies.
func ConstantBackoff(d time.Duration) BackoffFactory {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

// Defaults.
const (
	DefaultMaxConcurrency = 8
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

type options struct {
	maxConcurrency int
	stepTimeout    time.Duration
	maxRetries     int
	backoff        BackoffFactory
	history        HistoryStore
	breakers       *breaker.Registry
	logger         *slog.Logger
	now            func() time.Time
	ids            engine.IDGenerator
	tracer         trace.Tracer
}

func defaultOptions() options {
	return options{
		maxConcurrency: DefaultMaxConcurrency,
		backoff:        ExponentialBackoff(DefaultInitialBackoff, DefaultMaxBackoff, 2),
		logger:         slog.Default(),
		now:            time.Now,
		ids:            engine.UUIDv7Generator{},
		tracer:         telemetry.Tracer(),
	}
}

// Option configures an Orchestrator.
type Option func(*options)

// WithMaxConcurrency bounds how many steps of one level run at once.
func WithMaxConcurrency(n int) Option {
	return func(o *options) { o.maxConcurrency = n }
}

// WithStepTimeout sets the per-attempt timeout of steps without their own.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.stepTimeout = d }
}

// WithDefaultMaxRetries sets the retries of steps whose MaxRetries is zero.
// Steps set to NoRetries keep a single attempt.
func WithDefaultMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBackoff sets the retry policy.
func WithBackoff(f BackoffFactory) Option {
	return func(o *options) { o.backoff = f }
}

// WithHistoryStore persists the run header and every step record.
func WithHistoryStore(h HistoryStore) Option {
	return func(o *options) { o.history = h }
}

// WithBreaker guards every step attempt with the registry's breaker for
// "<saga>/<step>". An open breaker fails the attempt without retry.
func WithBreaker(r *breaker.Registry) Option {
	return func(o *options) { o.breakers = r }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow overrides the wall clock used for records.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the generator of run IDs.
func WithIDGenerator(g engine.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}
