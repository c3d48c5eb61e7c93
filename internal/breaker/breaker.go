// Package breaker implements a three-state circuit breaker.
//
//	Closed --FailureThreshold failures--> Open
//	Open   --OpenDuration elapsed-------> HalfOpen
//	HalfOpen --SuccessThreshold successes--> Closed
//	HalfOpen --any failure----------------> Open
//
// State is guarded by a weighted semaphore acquired with a bounded wait, so a
// stuck caller surfaces ErrLockTimeout instead of hanging everyone behind it.
// State changes are delivered to listeners and subscription channels after
// the guard is released; a failing listener cannot block a transition.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrLockTimeout is returned when the breaker guard could not be acquired
// within Config.GuardTimeout. It usually indicates a deadlock.
var ErrLockTimeout = errors.New("circuit breaker guard timeout")

// State is the breaker position.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// OpenError reports a call rejected by an open breaker.
type OpenError struct {
	Operation  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Operation, e.RetryAfter)
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
	GuardTimeout     time.Duration
	// ThrowWhenOpen makes BeforeCall return an *OpenError instead of
	// (false, nil) while open.
	ThrowWhenOpen bool
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		GuardTimeout:     5 * time.Second,
		ThrowWhenOpen:    true,
	}
}

// StateChange describes one transition of a breaker.
type StateChange struct {
	Operation string
	From      State
	To        State
	At        time.Time
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Operation            string
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	OpenedAt             time.Time
	Rejected             int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		b.logger = l
	}
}

// Breaker guards one operation.
type Breaker struct {
	name   string
	cfg    Config
	guard  *semaphore.Weighted
	now    func() time.Time
	logger *slog.Logger

	// Fields below are protected by guard.
	state     State
	failures  int
	successes int
	openedAt  time.Time
	rejected  int64

	observed atomic.Int32 // last state, readable when the guard is unavailable

	subMu     sync.Mutex
	listeners []func(StateChange)
	subs      map[int]chan StateChange
	nextSub   int
}

// New creates a closed breaker for the named operation.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.GuardTimeout <= 0 {
		cfg.GuardTimeout = def.GuardTimeout
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		guard:  semaphore.NewWeighted(1),
		now:    time.Now,
		logger: slog.Default(),
		subs:   make(map[int]chan StateChange),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded operation name.
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) acquire(ctx context.Context) error {
	gctx, cancel := context.WithTimeout(ctx, b.cfg.GuardTimeout)
	defer cancel()
	if err := b.guard.Acquire(gctx, 1); err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		b.logger.Error("circuit breaker guard timeout",
			"operation", b.name,
			"timeout", b.cfg.GuardTimeout,
		)
		return fmt.Errorf("%w: %s", ErrLockTimeout, b.name)
	}
	return nil
}

// setState must be called with the guard held.
func (b *Breaker) setState(to State, changes []StateChange) []StateChange {
	if b.state == to {
		return changes
	}
	change := StateChange{Operation: b.name, From: b.state, To: to, At: b.now()}
	b.state = to
	b.observed.Store(int32(to))
	switch to {
	case Open:
		b.openedAt = change.At
		b.successes = 0
	case HalfOpen:
		b.successes = 0
	case Closed:
		b.failures = 0
		b.successes = 0
	}
	return append(changes, change)
}

// refresh moves Open to HalfOpen once OpenDuration has elapsed.
func (b *Breaker) refresh(changes []StateChange) []StateChange {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		return b.setState(HalfOpen, changes)
	}
	return changes
}

// BeforeCall reports whether a call may proceed. While open it returns
// (false, *OpenError) when ThrowWhenOpen is set and (false, nil) otherwise.
func (b *Breaker) BeforeCall(ctx context.Context) (bool, error) {
	openErr, err := b.admit(ctx)
	if err != nil {
		return false, err
	}
	if openErr == nil {
		return true, nil
	}
	if b.cfg.ThrowWhenOpen {
		return false, openErr
	}
	return false, nil
}

func (b *Breaker) admit(ctx context.Context) (*OpenError, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	changes := b.refresh(nil)
	var openErr *OpenError
	if b.state == Open {
		b.rejected++
		openErr = &OpenError{Operation: b.name, RetryAfter: b.retryAfter()}
	}
	b.guard.Release(1)
	b.notify(changes)
	return openErr, nil
}

func (b *Breaker) retryAfter() time.Duration {
	d := b.cfg.OpenDuration - b.now().Sub(b.openedAt)
	if d < 0 {
		return 0
	}
	return d
}

// AfterSuccess records a successful call.
func (b *Breaker) AfterSuccess(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	changes := b.refresh(nil)
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			changes = b.setState(Closed, changes)
		}
	}
	b.guard.Release(1)
	b.notify(changes)
	return nil
}

// AfterFailure records a failed call.
func (b *Breaker) AfterFailure(ctx context.Context, cause error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	changes := b.refresh(nil)
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			changes = b.setState(Open, changes)
		}
	case HalfOpen:
		changes = b.setState(Open, changes)
	}
	failures := b.failures
	b.guard.Release(1)

	b.logger.Debug("circuit breaker failure recorded",
		"operation", b.name,
		"failures", failures,
		"error", cause,
	)
	b.notify(changes)
	return nil
}

// Execute runs fn under the breaker. A rejected call always returns an
// *OpenError, regardless of ThrowWhenOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	openErr, err := b.admit(ctx)
	if err != nil {
		return err
	}
	if openErr != nil {
		return openErr
	}
	if err := fn(ctx); err != nil {
		if aerr := b.AfterFailure(ctx, err); aerr != nil {
			return errors.Join(err, aerr)
		}
		return err
	}
	return b.AfterSuccess(ctx)
}

// State returns the current state, applying the Open to HalfOpen timeout.
// If the guard cannot be acquired the last observed state is returned.
func (b *Breaker) State() State {
	if err := b.acquire(context.Background()); err != nil {
		return State(b.observed.Load())
	}
	changes := b.refresh(nil)
	s := b.state
	b.guard.Release(1)
	b.notify(changes)
	return s
}

// Stats returns counters for introspection.
func (b *Breaker) Stats() Stats {
	if err := b.acquire(context.Background()); err != nil {
		return Stats{Operation: b.name, State: State(b.observed.Load())}
	}
	defer b.guard.Release(1)
	return Stats{
		Operation:            b.name,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
		Rejected:             b.rejected,
	}
}

// RetryAfter estimates how long until an open breaker admits a trial call.
// It is zero unless the breaker is open.
func (b *Breaker) RetryAfter() time.Duration {
	if err := b.acquire(context.Background()); err != nil {
		return 0
	}
	defer b.guard.Release(1)
	if b.state != Open {
		return 0
	}
	return b.retryAfter()
}

// Reset forces the breaker closed.
func (b *Breaker) Reset(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	changes := b.setState(Closed, nil)
	b.failures = 0
	b.guard.Release(1)
	b.notify(changes)
	return nil
}
