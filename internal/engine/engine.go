package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/statesaga/internal/breaker"
	"github.com/roach88/statesaga/internal/dedupe"
	"github.com/roach88/statesaga/internal/fsm"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/lock"
	"github.com/roach88/statesaga/internal/telemetry"
)

// EventLog is the durable, append-only transition log of entities.
type EventLog interface {
	// Append stores rec at rec.Seq and returns the sequence number. An
	// existing event at that seq must fail with ir.ErrSequenceConflict.
	Append(ctx context.Context, rec ir.EventRecord) (int64, error)

	// ReadFrom lazily yields the events of an entity with seq >= fromSeq in
	// order. Records that cannot be decoded are yielded with an error
	// wrapping ir.ErrCorruptRecord; any other error ends the sequence.
	ReadFrom(ctx context.Context, entityID string, fromSeq int64) iter.Seq2[ir.EventRecord, error]
}

// SnapshotStore persists entity snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap ir.SnapshotRecord) error
	LatestSnapshot(ctx context.Context, entityID string) (ir.SnapshotRecord, bool, error)
}

// MachineFactory builds a fully configured machine at its initial state.
// The engine calls it on construction, on Restore and on Rebuild.
type MachineFactory[S, T comparable] func() *fsm.Machine[S, T]

// Defaults.
const (
	DefaultSnapshotInterval = 100
	DefaultLockTimeout      = 30 * time.Second
)

// errLockWaitExceeded is the cause attached to the lock-acquisition deadline.
var errLockWaitExceeded = errors.New("entity lock wait exceeded")

type options struct {
	snapshots        SnapshotStore
	locker           lock.Locker
	breakers         *breaker.Registry
	publisher        Publisher
	logger           *slog.Logger
	now              func() time.Time
	ids              IDGenerator
	tracer           trace.Tracer
	snapshotInterval int
	dedupeCapacity   int
	lockTimeout      time.Duration
}

func defaultOptions() options {
	return options{
		logger:           slog.Default(),
		now:              time.Now,
		ids:              UUIDv7Generator{},
		tracer:           telemetry.Tracer(),
		snapshotInterval: DefaultSnapshotInterval,
		dedupeCapacity:   dedupe.DefaultCapacity,
		lockTimeout:      DefaultLockTimeout,
	}
}

// Option configures an Engine or a Host.
type Option func(*options)

// WithSnapshotStore enables snapshots. Without it Restore always replays
// from genesis.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(o *options) { o.snapshots = s }
}

// WithLocker sets the entity locker. Defaults to a private KeyedMutex.
func WithLocker(l lock.Locker) Option {
	return func(o *options) { o.locker = l }
}

// WithBreaker guards every Fire with the registry's breaker for the trigger.
func WithBreaker(r *breaker.Registry) Option {
	return func(o *options) { o.breakers = r }
}

// WithPublisher sets the downstream publisher of applied transitions.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNow overrides the wall clock used for event timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the generator of default correlation IDs.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithTracer overrides the tracer. Defaults to telemetry.Tracer().
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithSnapshotInterval sets how many applied events trigger a snapshot.
// Zero or less disables periodic snapshots.
func WithSnapshotInterval(n int) Option {
	return func(o *options) { o.snapshotInterval = n }
}

// WithDedupeCapacity sets the dedupe window size.
func WithDedupeCapacity(n int) Option {
	return func(o *options) { o.dedupeCapacity = n }
}

// WithLockTimeout bounds the wait for the entity lock. Zero waits for the
// caller's context only.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) { o.lockTimeout = d }
}

// FireOptions carries optional per-call data.
type FireOptions struct {
	// DedupeKey overrides the key derived from (entity, trigger, args).
	// Fires with neither a key nor arguments are never suppressed.
	DedupeKey string
	// CorrelationID is recorded on the event. Generated when empty.
	CorrelationID string
	// Metadata is recorded on the event.
	Metadata map[string]any
}

// Engine is the transition engine of one entity.
//
// All mutating operations (Fire, Restore, Snapshot, Rebuild, Close) run
// while holding the entity lease from the Locker, so callers targeting the
// same entity serialize. Read operations take only the internal state lock
// and never block behind a slow append.
type Engine[S, T comparable] struct {
	entityID string
	factory  MachineFactory[S, T]
	codec    Codec[S, T]
	log      EventLog
	opts     options

	mu              sync.RWMutex // guards everything below
	machine         *fsm.Machine[S, T]
	dedupe          *dedupe.Cache
	seq             *Clock
	transitions     int64
	sinceSnapshot   int
	lastSnapshotSeq int64
	report          RestoreReport
	triggers        map[T]triggerMeta
	closed          bool
}

// triggerMeta is what Fire needs about a trigger beyond the trigger itself.
// It is resolved on first use and dropped whenever the machine is rebuilt.
type triggerMeta struct {
	name   string // codec encoding, used in events, spans and breaker names
	params fsm.ParamInfo
}

// New creates an engine for entityID positioned at the machine's initial
// state with an empty history. Call Restore before the first Fire when the
// log may already hold events for the entity.
func New[S, T comparable](entityID string, factory MachineFactory[S, T], codec Codec[S, T], log EventLog, opts ...Option) *Engine[S, T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newEngine(entityID, factory, codec, log, o)
}

func newEngine[S, T comparable](entityID string, factory MachineFactory[S, T], codec Codec[S, T], log EventLog, o options) *Engine[S, T] {
	if o.locker == nil {
		o.locker = lock.NewKeyedMutex()
	}
	return &Engine[S, T]{
		entityID: entityID,
		factory:  factory,
		codec:    codec,
		log:      log,
		opts:     o,
		machine:  factory(),
		dedupe:   dedupe.New(o.dedupeCapacity),
		seq:      NewClock(),
		triggers: make(map[T]triggerMeta),
	}
}

// EntityID returns the entity this engine manages.
func (e *Engine[S, T]) EntityID() string {
	return e.entityID
}

// acquire takes the entity lease, bounded by the lock timeout.
func (e *Engine[S, T]) acquire(ctx context.Context) (lock.Lease, error) {
	lctx := ctx
	if e.opts.lockTimeout > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeoutCause(ctx, e.opts.lockTimeout, errLockWaitExceeded)
		defer cancel()
	}
	lease, err := e.opts.locker.Lock(lctx, e.entityID)
	if err != nil {
		if errors.Is(err, errLockWaitExceeded) {
			return nil, &Error{
				Code:     CodeLockTimeout,
				Message:  fmt.Sprintf("entity lock not acquired within %s", e.opts.lockTimeout),
				EntityID: e.entityID,
				Err:      err,
			}
		}
		return nil, fmt.Errorf("lock entity %s: %w", e.entityID, err)
	}
	return lease, nil
}

func (e *Engine[S, T]) release(ctx context.Context, lease lock.Lease) {
	if err := lease.Unlock(context.WithoutCancel(ctx)); err != nil {
		e.opts.logger.Warn("entity lock release failed",
			"entity_id", e.entityID,
			"error", err,
		)
	}
}

// Fire fires t with args. It returns applied=false with a nil error when the
// operation was already applied (duplicate suppression).
func (e *Engine[S, T]) Fire(ctx context.Context, t T, args ...any) (bool, error) {
	return e.FireWith(ctx, t, FireOptions{}, args...)
}

// FireWith is Fire with explicit dedupe key, correlation ID or metadata.
//
// The steps run in order: breaker check, entity lock, dedupe check,
// legality check, FSM apply, durable append, cache update, publish, and
// periodic snapshot. From FSM apply to durable append the operation ignores
// cancellation; if the append fails the FSM is rolled back and a
// DURABILITY_FAILURE is returned.
func (e *Engine[S, T]) FireWith(ctx context.Context, t T, fo FireOptions, args ...any) (applied bool, err error) {
	name := e.trigger(t).name
	ctx, span := e.opts.tracer.Start(ctx, "engine.Fire", trace.WithAttributes(
		attribute.String("statesaga.entity_id", e.entityID),
		attribute.String("statesaga.trigger", name),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("statesaga.applied", applied))
		telemetry.EndSpan(span, err)
	}()

	var br *breaker.Breaker
	if e.opts.breakers != nil {
		br = e.opts.breakers.Get(name)
		if err := e.admit(ctx, br, name); err != nil {
			return false, err
		}
	}

	applied, err = e.fire(ctx, t, name, fo, args)
	if br != nil {
		e.recordOutcome(ctx, br, err)
	}
	return applied, err
}

func (e *Engine[S, T]) admit(ctx context.Context, br *breaker.Breaker, name string) error {
	allowed, err := br.BeforeCall(ctx)
	var oe *breaker.OpenError
	switch {
	case errors.As(err, &oe):
		return e.circuitOpen(name, oe.RetryAfter, err)
	case errors.Is(err, breaker.ErrLockTimeout):
		return &Error{Code: CodeLockTimeout, Message: "circuit breaker guard timeout", EntityID: e.entityID, Trigger: name, Err: err}
	case err != nil:
		return err
	case !allowed:
		return e.circuitOpen(name, br.RetryAfter(), nil)
	}
	return nil
}

func (e *Engine[S, T]) circuitOpen(name string, retryAfter time.Duration, cause error) error {
	return &Error{
		Code:       CodeCircuitOpen,
		Message:    "circuit breaker open",
		EntityID:   e.entityID,
		Trigger:    name,
		RetryAfter: retryAfter,
		Err:        cause,
	}
}

// recordOutcome feeds the breaker: successes and duplicates count as
// success, policy rejections are neutral, everything else is a failure.
func (e *Engine[S, T]) recordOutcome(ctx context.Context, br *breaker.Breaker, err error) {
	var rerr error
	if err == nil {
		rerr = br.AfterSuccess(ctx)
	} else if cat, ok := CategoryOf(err); !ok || cat != CategoryPolicy {
		rerr = br.AfterFailure(ctx, err)
	}
	if rerr != nil {
		e.opts.logger.Warn("circuit breaker bookkeeping failed",
			"entity_id", e.entityID,
			"operation", br.Name(),
			"error", rerr,
		)
	}
}

func (e *Engine[S, T]) fire(ctx context.Context, t T, name string, fo FireOptions, args []any) (bool, error) {
	lease, err := e.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer e.release(ctx, lease)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return false, &Error{Code: CodeEntityClosed, Message: "engine closed", EntityID: e.entityID, Trigger: name}
	}

	// Without arguments a repeated trigger is indistinguishable from a
	// legitimate new firing on a cyclic machine, so only explicit keys and
	// argument-bearing fires are deduplicated.
	key := fo.DedupeKey
	if key == "" && len(args) > 0 {
		key, err = ir.DedupeKey(e.entityID, name, args)
		if err != nil {
			return false, &Error{Code: CodeInvalidArguments, Message: "cannot derive dedupe key", EntityID: e.entityID, Trigger: name, Err: err}
		}
	}
	if key != "" && e.dedupe.Contains(key) {
		e.opts.logger.Debug("duplicate trigger suppressed",
			"entity_id", e.entityID,
			"trigger", name,
			"dedupe_key", key,
		)
		return false, nil
	}

	tr, err := e.machine.Next(t, args...)
	if err != nil {
		return false, e.rejection(t, name, args, err)
	}
	// Not cancellable from here until the event is durable.
	ctx = context.WithoutCancel(ctx)
	if err := e.machine.Apply(ctx, tr, args...); err != nil {
		return false, &Error{
			Code:     CodeActionFailed,
			Message:  "transition action failed",
			EntityID: e.entityID,
			State:    e.codec.EncodeState(tr.Source),
			Trigger:  name,
			Err:      err,
		}
	}

	correlationID := fo.CorrelationID
	if correlationID == "" {
		correlationID = e.opts.ids.Generate()
	}
	rec := ir.EventRecord{
		EntityID:          e.entityID,
		Seq:               e.seq.Current() + 1,
		FromState:         e.codec.EncodeState(tr.Source),
		ToState:           e.codec.EncodeState(tr.Destination),
		Trigger:           name,
		Timestamp:         e.opts.now().UTC(),
		CorrelationID:     correlationID,
		DedupeKey:         key,
		DefinitionVersion: e.machine.Version(),
		Metadata:          fo.Metadata,
	}
	if _, err := e.log.Append(ctx, rec); err != nil {
		e.machine.SetState(tr.Source)
		msg := "event log append failed"
		if errors.Is(err, ir.ErrSequenceConflict) {
			msg = "event log append conflicted with another writer"
		}
		e.opts.logger.Error(msg,
			"entity_id", e.entityID,
			"trigger", name,
			"seq", rec.Seq,
			"error", err,
		)
		return false, &Error{Code: CodeDurabilityFailure, Message: msg, EntityID: e.entityID, State: rec.FromState, Trigger: name, Err: err}
	}

	e.seq.Next()
	e.transitions++
	if key != "" {
		e.dedupe.Insert(key)
	}
	e.sinceSnapshot++

	telemetry.LogWithTrace(ctx, e.opts.logger).Info("transition applied",
		"entity_id", e.entityID,
		"seq", rec.Seq,
		"from", rec.FromState,
		"to", rec.ToState,
		"trigger", name,
	)

	if e.opts.publisher != nil {
		if err := e.opts.publisher.Publish(ctx, rec); err != nil {
			e.opts.logger.Warn("publish failed",
				"entity_id", e.entityID,
				"seq", rec.Seq,
				"error", err,
			)
		}
	}

	if e.opts.snapshotInterval > 0 && e.sinceSnapshot >= e.opts.snapshotInterval {
		if err := e.snapshotLocked(ctx); err != nil {
			e.opts.logger.Warn("snapshot failed",
				"entity_id", e.entityID,
				"seq", rec.Seq,
				"error", err,
			)
		}
	}
	return true, nil
}

func (e *Engine[S, T]) rejection(t T, name string, args []any, err error) error {
	state := e.codec.EncodeState(e.machine.State())
	var ge *fsm.GuardError
	if errors.As(err, &ge) {
		return &Error{
			Code:        CodeGuardFailed,
			Message:     "guard conditions not met",
			EntityID:    e.entityID,
			State:       state,
			Trigger:     name,
			UnmetGuards: ge.Unmet,
			Err:         err,
		}
	}
	permitted := []string{}
	for _, p := range e.machine.PermittedTriggers(args...) {
		permitted = append(permitted, e.codec.EncodeTrigger(p))
	}
	return &Error{
		Code:      CodeInvalidTransition,
		Message:   fmt.Sprintf("trigger %s not permitted from state %s", name, state),
		EntityID:  e.entityID,
		State:     state,
		Trigger:   name,
		Permitted: permitted,
		Err:       err,
	}
}

// trigger returns the cached metadata of t, resolving it on first use so
// later fires skip the codec and the machine's parameter lookup.
func (e *Engine[S, T]) trigger(t T) triggerMeta {
	e.mu.RLock()
	m, ok := e.triggers[t]
	e.mu.RUnlock()
	if ok {
		return m
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.triggers[t]; ok {
		return m
	}
	p, _ := e.machine.Params(t)
	m = triggerMeta{name: e.codec.EncodeTrigger(t), params: p}
	e.triggers[t] = m
	return m
}

// Snapshot persists a snapshot of the current state now.
func (e *Engine[S, T]) Snapshot(ctx context.Context) error {
	lease, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(ctx, lease)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(ctx)
}

func (e *Engine[S, T]) snapshotLocked(ctx context.Context) error {
	if e.opts.snapshots == nil {
		return nil
	}
	snap := ir.SnapshotRecord{
		EntityID:          e.entityID,
		Seq:               e.seq.Current(),
		State:             e.codec.EncodeState(e.machine.State()),
		TransitionCount:   e.transitions,
		DefinitionVersion: e.machine.Version(),
		Timestamp:         e.opts.now().UTC(),
		DedupeKeys:        e.dedupe.Keys(),
	}
	if err := e.opts.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot %s/%d: %w", e.entityID, snap.Seq, err)
	}
	e.sinceSnapshot = 0
	e.lastSnapshotSeq = snap.Seq
	e.opts.logger.Debug("snapshot saved",
		"entity_id", e.entityID,
		"seq", snap.Seq,
		"state", snap.State,
	)
	return nil
}

// Close takes a final snapshot when events accumulated since the last one
// and rejects further Fire calls. Snapshot failures are logged, not
// returned. Close is idempotent.
func (e *Engine[S, T]) Close(ctx context.Context) error {
	lease, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(ctx, lease)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	if e.sinceSnapshot > 0 {
		if err := e.snapshotLocked(ctx); err != nil {
			e.opts.logger.Warn("final snapshot failed",
				"entity_id", e.entityID,
				"error", err,
			)
		}
	}
	e.closed = true
	return nil
}

// Rebuild replaces the machine with a fresh one from factory (or the
// current factory when nil), keeping the current state. The trigger
// parameter cache is reset.
func (e *Engine[S, T]) Rebuild(ctx context.Context, factory MachineFactory[S, T]) error {
	lease, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release(ctx, lease)
	e.mu.Lock()
	defer e.mu.Unlock()

	if factory != nil {
		e.factory = factory
	}
	current := e.machine.State()
	m := e.factory()
	m.SetState(current)
	e.machine = m
	clear(e.triggers)
	e.opts.logger.Info("machine rebuilt",
		"entity_id", e.entityID,
		"definition_version", m.Version(),
	)
	return nil
}
