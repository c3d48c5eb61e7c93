package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/statesaga/internal/breaker"
	"github.com/roach88/statesaga/internal/fsm"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/lock"
	"github.com/roach88/statesaga/internal/store"
	"github.com/roach88/statesaga/internal/store/memstore"
)

type orderState string
type orderTrigger string

const (
	draft     orderState = "Draft"
	placed    orderState = "Placed"
	paid      orderState = "Paid"
	cancelled orderState = "Cancelled"

	place  orderTrigger = "Place"
	pay    orderTrigger = "Pay"
	cancel orderTrigger = "Cancel"
	reopen orderTrigger = "Reopen"
	refund orderTrigger = "Refund"
)

var payAmount = fsm.NewTrigger1[orderTrigger, int]("PayAmount")

func orderFactory(version int) MachineFactory[orderState, orderTrigger] {
	return func() *fsm.Machine[orderState, orderTrigger] {
		m := fsm.NewMachine[orderState, orderTrigger](draft, fsm.WithVersion(version))
		m.Configure(draft).
			Permit(place, placed).
			Permit(cancel, cancelled)
		cfg := m.Configure(placed).
			Permit(pay, paid).
			Permit(cancel, cancelled)
		fsm.PermitIf1(cfg, payAmount, paid, func(amount int) bool { return amount > 0 }, "amount positive")
		m.Configure(paid).Permit(refund, placed)
		m.Configure(cancelled).Permit(reopen, draft)
		return m
	}
}

var orderCodec = StringCodec[orderState, orderTrigger]()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOrderEngine(t *testing.T, log EventLog, opts ...Option) *Engine[orderState, orderTrigger] {
	t.Helper()
	opts = append([]Option{
		WithLogger(quietLogger()),
		WithNow(func() time.Time { return baseTime }),
	}, opts...)
	return New("order-1", orderFactory(1), orderCodec, log, opts...)
}

func setupSQLite(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEngine_OrderScenario(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, log)

	applied, err := e.Fire(ctx, place)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = e.FireWith(ctx, pay, FireOptions{DedupeKey: "pay-1"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, paid, e.State())

	applied, err = e.FireWith(ctx, pay, FireOptions{DedupeKey: "pay-1"})
	require.NoError(t, err, "duplicates are not errors")
	assert.False(t, applied)
	assert.Equal(t, int64(2), e.TransitionCount())
	assert.Equal(t, int64(2), e.Seq())

	last, err := log.LastSeq(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), last)
}

func TestEngine_DerivedDedupeKey(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, log)

	applied, err := e.Fire(ctx, place, "web", 3)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = e.Fire(ctx, place, "web", 3)
	require.NoError(t, err)
	assert.False(t, applied)

	var recs []ir.EventRecord
	for rec, err := range log.ReadFrom(ctx, "order-1", 1) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 1)
	assert.Equal(t, ir.MustDedupeKey("order-1", "Place", "web", 3), recs[0].DedupeKey)
}

func TestEngine_RepeatedTriggerWithoutKeyApplies(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, log)

	for _, tr := range []orderTrigger{cancel, reopen, cancel} {
		applied, err := e.Fire(ctx, tr)
		require.NoError(t, err)
		assert.True(t, applied, "%s", tr)
	}
	assert.Equal(t, cancelled, e.State())
	assert.Equal(t, int64(3), e.TransitionCount())
	assert.Zero(t, e.Info().DedupeSize)

	// The same cycle under one explicit key applies once.
	e2 := New("order-2", orderFactory(1), orderCodec, log, WithLogger(quietLogger()))
	applied, err := e2.FireWith(ctx, cancel, FireOptions{DedupeKey: "cancel-req"})
	require.NoError(t, err)
	assert.True(t, applied)
	_, err = e2.Fire(ctx, reopen)
	require.NoError(t, err)
	applied, err = e2.FireWith(ctx, cancel, FireOptions{DedupeKey: "cancel-req"})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, draft, e2.State())
}

func TestEngine_InfoReportsDedupeEvictions(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New(), WithDedupeCapacity(1))
	_, err := e.FireWith(ctx, place, FireOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	_, err = e.FireWith(ctx, pay, FireOptions{DedupeKey: "k2"})
	require.NoError(t, err)

	info := e.Info()
	assert.Equal(t, 1, info.DedupeSize)
	assert.Equal(t, uint64(1), info.DedupeEvictions)
}

func TestEngine_EventRecordFields(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, log, WithIDGenerator(NewFixedGenerator("corr-1")))

	_, err := e.FireWith(ctx, place, FireOptions{Metadata: map[string]any{"source": "api"}})
	require.NoError(t, err)
	_, err = e.FireWith(ctx, pay, FireOptions{CorrelationID: "explicit"})
	require.NoError(t, err)

	var recs []ir.EventRecord
	for rec, err := range log.ReadFrom(ctx, "order-1", 1) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, ir.EventRecord{
		EntityID:          "order-1",
		Seq:               1,
		FromState:         "Draft",
		ToState:           "Placed",
		Trigger:           "Place",
		Timestamp:         baseTime,
		CorrelationID:     "corr-1",
		DefinitionVersion: 1,
		Metadata:          map[string]any{"source": "api"},
	}, recs[0])
	assert.Empty(t, recs[1].DedupeKey, "no key and no arguments")
	assert.Equal(t, "explicit", recs[1].CorrelationID)
	assert.Equal(t, int64(2), recs[1].Seq)
}

func TestEngine_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New())

	applied, err := e.Fire(ctx, pay)
	assert.False(t, applied)
	require.True(t, IsInvalidTransition(err))

	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "Draft", ee.State)
	assert.Equal(t, "Pay", ee.Trigger)
	assert.Equal(t, []string{"Place", "Cancel"}, ee.Permitted)
	assert.ErrorIs(t, err, fsm.ErrNotPermitted)

	cat, ok := CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, CategoryPolicy, cat)
	assert.Equal(t, draft, e.State())
	assert.Equal(t, int64(0), e.Seq())
}

func TestEngine_GuardFailed(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New())
	_, err := e.Fire(ctx, place)
	require.NoError(t, err)

	ok, reasons := e.CanFireWithReasons(payAmount.Trigger(), 0)
	assert.False(t, ok)
	assert.Equal(t, []string{"amount positive"}, reasons)

	applied, err := Fire1(ctx, e, payAmount, 0)
	assert.False(t, applied)
	require.True(t, IsGuardFailed(err))
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, []string{"amount positive"}, ee.UnmetGuards)
	assert.Equal(t, placed, e.State())

	applied, err = Fire1(ctx, e, payAmount, 25)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, paid, e.State())
}

func TestEngine_DurabilityFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, log)

	log.FailAppends(errors.New("disk full"))
	applied, err := e.Fire(ctx, place)
	assert.False(t, applied)
	require.True(t, IsDurabilityFailure(err))
	cat, _ := CategoryOf(err)
	assert.Equal(t, CategoryInfrastructure, cat)

	assert.Equal(t, draft, e.State(), "state rolled back")
	assert.Equal(t, int64(0), e.Seq())
	assert.Equal(t, int64(0), e.TransitionCount())

	log.FailAppends(nil)
	applied, err = e.Fire(ctx, place)
	require.NoError(t, err)
	assert.True(t, applied, "failed attempt must not poison the dedupe window")
	assert.Equal(t, int64(1), e.Seq())
}

func TestEngine_SequenceConflict(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	other := newOrderEngine(t, log)
	_, err := other.Fire(ctx, place)
	require.NoError(t, err)

	// e never restored, so it believes the log is empty.
	e := newOrderEngine(t, log)
	_, err = e.Fire(ctx, place)
	require.True(t, IsDurabilityFailure(err))
	assert.ErrorIs(t, err, ir.ErrSequenceConflict)
	assert.Equal(t, draft, e.State())
}

func TestEngine_ActionFailedRollsBack(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	factory := func() *fsm.Machine[orderState, orderTrigger] {
		m := orderFactory(1)()
		m.Configure(placed).OnEntry(func(context.Context, fsm.Transition[orderState, orderTrigger], []any) error {
			return errors.New("inventory unavailable")
		})
		return m
	}
	e := New("order-1", factory, orderCodec, log, WithLogger(quietLogger()))

	_, err := e.Fire(ctx, place)
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, CodeActionFailed, ee.Code)
	assert.Equal(t, CategoryBusiness, ee.Code.Category())
	assert.Equal(t, draft, e.State())

	last, err := log.LastSeq(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), last)
}

func TestEngine_InvalidArguments(t *testing.T) {
	e := newOrderEngine(t, memstore.New())
	_, err := e.Fire(context.Background(), place, make(chan int))
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, CodeInvalidArguments, ee.Code)
}

func TestEngine_LockTimeout(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewKeyedMutex()
	held, err := locker.Lock(ctx, "order-1")
	require.NoError(t, err)
	defer held.Unlock(ctx)

	e := newOrderEngine(t, memstore.New(), WithLocker(locker), WithLockTimeout(20*time.Millisecond))
	applied, err := e.Fire(ctx, place)
	assert.False(t, applied)
	assert.True(t, IsLockTimeout(err))
	cat, _ := CategoryOf(err)
	assert.Equal(t, CategoryInfrastructure, cat)
}

func TestEngine_CallerCancelWhileWaitingForLock(t *testing.T) {
	locker := lock.NewKeyedMutex()
	held, err := locker.Lock(context.Background(), "order-1")
	require.NoError(t, err)
	defer held.Unlock(context.Background())

	e := newOrderEngine(t, memstore.New(), WithLocker(locker))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Fire(ctx, place)
	require.Error(t, err)
	assert.False(t, IsLockTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, draft, e.State())
}

func TestEngine_ClosedRejectsFire(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New())
	require.NoError(t, e.Close(ctx))
	require.NoError(t, e.Close(ctx), "Close is idempotent")

	_, err := e.Fire(ctx, place)
	assert.True(t, IsEntityClosed(err))
	assert.True(t, e.Info().Closed)
}

func TestEngine_BreakerOpensOnInfrastructureFailures(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	reg := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OpenDuration:     time.Minute,
		GuardTimeout:     time.Second,
		ThrowWhenOpen:    true,
	}, breaker.WithLogger(quietLogger()))
	e := newOrderEngine(t, log, WithBreaker(reg))

	// Policy rejections never count against the breaker.
	for range 5 {
		_, err := e.Fire(ctx, pay)
		require.True(t, IsInvalidTransition(err))
	}
	assert.Equal(t, breaker.Closed, reg.Get("Pay").State())

	log.FailAppends(errors.New("disk full"))
	for range 2 {
		_, err := e.Fire(ctx, place)
		require.True(t, IsDurabilityFailure(err))
	}
	assert.Equal(t, breaker.Open, reg.Get("Place").State())

	log.FailAppends(nil)
	_, err := e.Fire(ctx, place)
	require.True(t, IsCircuitOpen(err))
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Greater(t, ee.RetryAfter, time.Duration(0))
	assert.Equal(t, "Place", ee.Trigger)
	assert.Equal(t, draft, e.State())

	// Other triggers have their own breaker.
	_, err = e.Fire(ctx, cancel)
	require.NoError(t, err)
}

func TestEngine_BreakerReturningFalseStillRejects(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	reg := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenDuration:     time.Minute,
		GuardTimeout:     time.Second,
	}, breaker.WithLogger(quietLogger()))
	e := newOrderEngine(t, log, WithBreaker(reg))

	log.FailAppends(errors.New("disk full"))
	_, err := e.Fire(ctx, place)
	require.True(t, IsDurabilityFailure(err))
	log.FailAppends(nil)

	_, err = e.Fire(ctx, place)
	assert.True(t, IsCircuitOpen(err))
}

func TestEngine_PeriodicSnapshot(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, log, WithSnapshotStore(log), WithSnapshotInterval(2))

	for i, tr := range []orderTrigger{place, pay, refund} {
		_, err := e.FireWith(ctx, tr, FireOptions{DedupeKey: fmt.Sprintf("op-%d", i)})
		require.NoError(t, err)
	}

	snap, ok, err := log.LatestSnapshot(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Seq)
	assert.Equal(t, "Paid", snap.State)
	assert.Equal(t, int64(2), snap.TransitionCount)
	assert.Len(t, snap.DedupeKeys, 2)

	info := e.Info()
	assert.Equal(t, 1, info.SinceSnapshot)
	assert.Equal(t, int64(2), info.LastSnapshotSeq)

	require.NoError(t, e.Close(ctx))
	snap, _, err = log.LatestSnapshot(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.Seq, "close takes a final snapshot")
}

type failingSnapshots struct{ err error }

func (f failingSnapshots) SaveSnapshot(context.Context, ir.SnapshotRecord) error { return f.err }

func (f failingSnapshots) LatestSnapshot(context.Context, string) (ir.SnapshotRecord, bool, error) {
	return ir.SnapshotRecord{}, false, f.err
}

func TestEngine_SnapshotFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New(),
		WithSnapshotStore(failingSnapshots{err: errors.New("snapshot store down")}),
		WithSnapshotInterval(1),
	)

	applied, err := e.Fire(ctx, place)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, e.Info().SinceSnapshot)

	assert.Error(t, e.Snapshot(ctx), "explicit snapshots report the failure")
	assert.NoError(t, e.Close(ctx))
}

func TestEngine_PublishAfterAppend(t *testing.T) {
	ctx := context.Background()
	pub := NewChannelPublisher()
	ch, unsubscribe := pub.Subscribe(4)
	defer unsubscribe()

	e := newOrderEngine(t, memstore.New(), WithPublisher(pub))
	_, err := e.FireWith(ctx, place, FireOptions{DedupeKey: "place-1"})
	require.NoError(t, err)
	_, err = e.FireWith(ctx, place, FireOptions{DedupeKey: "place-1"})
	require.NoError(t, err)

	select {
	case rec := <-ch:
		assert.Equal(t, int64(1), rec.Seq)
		assert.Equal(t, "Placed", rec.ToState)
	default:
		t.Fatal("expected a published event")
	}
	assert.Empty(t, ch, "duplicates are not published")
}

func TestEngine_PublishFailureDoesNotFailFire(t *testing.T) {
	pub := NewChannelPublisher()
	_, unsubscribe := pub.Subscribe(0)
	defer unsubscribe()

	e := newOrderEngine(t, memstore.New(), WithPublisher(pub))
	applied, err := e.Fire(context.Background(), place)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), pub.Dropped())
}

func TestEngine_ParamsCacheResetOnRebuild(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New())
	_, err := e.Fire(ctx, place)
	require.NoError(t, err)
	_, err = Fire1(ctx, e, payAmount, 10)
	require.NoError(t, err)

	params := e.TriggerParams()
	require.Contains(t, params, payAmount.Trigger())
	assert.Equal(t, fsm.ParamInfo{Arity: 1, Types: []string{"int"}}, params[payAmount.Trigger()])

	require.NoError(t, e.Rebuild(ctx, orderFactory(2)))
	assert.Empty(t, e.TriggerParams())
	assert.Equal(t, paid, e.State(), "rebuild keeps the current state")
	assert.Equal(t, 2, e.Info().DefinitionVersion)
}

// countingCodec counts trigger encodings.
type countingCodec struct {
	Codec[orderState, orderTrigger]
	encodes int
}

func (c *countingCodec) EncodeTrigger(t orderTrigger) string {
	c.encodes++
	return c.Codec.EncodeTrigger(t)
}

func TestEngine_TriggerMetadataCached(t *testing.T) {
	ctx := context.Background()
	codec := &countingCodec{Codec: orderCodec}
	e := New("order-1", orderFactory(1), codec, memstore.New(), WithLogger(quietLogger()))

	for _, tr := range []orderTrigger{cancel, reopen, cancel, reopen} {
		_, err := e.Fire(ctx, tr)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, codec.encodes, "one encoding per distinct trigger")

	require.NoError(t, e.Rebuild(ctx, orderFactory(2)))
	_, err := e.Fire(ctx, cancel)
	require.NoError(t, err)
	assert.Equal(t, 3, codec.encodes, "rebuild drops the cache")
}

func TestEngine_QueryViews(t *testing.T) {
	ctx := context.Background()
	e := newOrderEngine(t, memstore.New())
	_, err := e.FireWith(ctx, place, FireOptions{DedupeKey: "place-1"})
	require.NoError(t, err)

	assert.True(t, e.CanFire(pay))
	assert.False(t, e.CanFire(place))
	assert.Equal(t, []orderTrigger{pay, cancel, payAmount.Trigger()}, e.PermittedTriggers())

	details := e.DetailedPermittedTriggers(5)
	var triggers []orderTrigger
	for _, d := range details {
		triggers = append(triggers, d.Trigger)
	}
	assert.Contains(t, triggers, payAmount.Trigger())

	info := e.Info()
	assert.Equal(t, "order-1", info.EntityID)
	assert.Equal(t, placed, info.State)
	assert.Equal(t, placed, info.Machine.Current)
	assert.Equal(t, 1, info.DedupeSize)
}

func TestEngine_FireSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	e := newOrderEngine(t, memstore.New(), WithTracer(tp.Tracer("test")))
	_, err := e.Fire(context.Background(), place)
	require.NoError(t, err)
	_, err = e.Fire(context.Background(), pay, "x")
	require.NoError(t, err)
	_, err = e.Fire(context.Background(), place)
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "engine.Fire", spans[0].Name())
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "order-1", attrs["statesaga.entity_id"])
	assert.Equal(t, "Place", attrs["statesaga.trigger"])
	assert.Equal(t, true, attrs["statesaga.applied"])
	assert.Equal(t, "Error", spans[2].Status().Code.String())
}

func TestEngine_SQLiteBacked(t *testing.T) {
	ctx := context.Background()
	s := setupSQLite(t)
	e := newOrderEngine(t, s, WithSnapshotStore(s))
	_, err := e.Fire(ctx, place)
	require.NoError(t, err)
	_, err = e.FireWith(ctx, pay, FireOptions{DedupeKey: "pay-1", Metadata: map[string]any{"amount": 10}})
	require.NoError(t, err)
	require.NoError(t, e.Close(ctx))

	restored := newOrderEngine(t, s, WithSnapshotStore(s))
	state, seq, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, paid, state)
	assert.Equal(t, int64(2), seq)
	assert.True(t, restored.RestoreReport().FromSnapshot)

	applied, err := restored.FireWith(ctx, pay, FireOptions{DedupeKey: "pay-1"})
	require.NoError(t, err)
	assert.False(t, applied, "dedupe window survives restart through the snapshot")
}
