package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/statesaga/internal/fsm"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/store/memstore"
)

func fireAll(t require.TestingT, e *Engine[orderState, orderTrigger], triggers ...orderTrigger) {
	for i, tr := range triggers {
		_, err := e.FireWith(context.Background(), tr, FireOptions{DedupeKey: fmt.Sprintf("op-%d", i)})
		require.NoError(t, err)
	}
}

func TestRestore_FromGenesis(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	live := newOrderEngine(t, log)
	fireAll(t, live, place, pay, refund, cancel)

	e := newOrderEngine(t, log)
	state, seq, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, cancelled, state)
	assert.Equal(t, int64(4), seq)
	assert.Equal(t, live.TransitionCount(), e.TransitionCount())

	report := e.RestoreReport()
	assert.False(t, report.FromSnapshot)
	assert.Equal(t, 4, report.Replayed)
	assert.False(t, report.Degraded())

	applied, err := e.Fire(ctx, reopen)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(5), e.Seq())
}

func TestRestore_EmptyLog(t *testing.T) {
	e := newOrderEngine(t, memstore.New())
	state, seq, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, draft, state)
	assert.Equal(t, int64(0), seq)
}

func TestRestore_DoesNotRunActionsOrPublish(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	fireAll(t, newOrderEngine(t, log), place, pay)

	pub := NewChannelPublisher()
	ch, unsubscribe := pub.Subscribe(8)
	defer unsubscribe()
	entered := 0
	factory := func() *fsm.Machine[orderState, orderTrigger] {
		m := orderFactory(1)()
		m.Configure(paid).OnEntry(func(context.Context, fsm.Transition[orderState, orderTrigger], []any) error {
			entered++
			return nil
		})
		return m
	}
	e := New("order-1", factory, orderCodec, log, WithLogger(quietLogger()), WithPublisher(pub))
	state, _, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, paid, state)
	assert.Zero(t, entered)
	assert.Empty(t, ch)
}

func TestRestore_SnapshotEquivalence(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	live := newOrderEngine(t, log, WithSnapshotStore(log), WithSnapshotInterval(2))
	fireAll(t, live, place, pay, refund, cancel, reopen)

	fromSnap := newOrderEngine(t, log, WithSnapshotStore(log))
	s1, seq1, err := fromSnap.Restore(ctx)
	require.NoError(t, err)

	fromGenesis := newOrderEngine(t, log)
	s2, seq2, err := fromGenesis.Restore(ctx)
	require.NoError(t, err)

	assert.Equal(t, s2, s1)
	assert.Equal(t, seq2, seq1)
	assert.Equal(t, fromGenesis.TransitionCount(), fromSnap.TransitionCount())

	r := fromSnap.RestoreReport()
	assert.True(t, r.FromSnapshot)
	assert.Equal(t, int64(4), r.SnapshotSeq)
	assert.Equal(t, 1, r.Replayed)
	assert.Equal(t, 1, fromSnap.Info().SinceSnapshot)
	assert.Equal(t, 5, fromGenesis.RestoreReport().Replayed)

	// Keys from before the snapshot are still known.
	applied, err := fromSnap.FireWith(ctx, cancel, FireOptions{DedupeKey: "op-0"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRestore_SnapshotLoadFailureFallsBackToGenesis(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	fireAll(t, newOrderEngine(t, log), place, pay)

	e := newOrderEngine(t, log, WithSnapshotStore(failingSnapshots{err: errors.New("unreachable")}))
	state, seq, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, paid, state)
	assert.Equal(t, int64(2), seq)

	r := e.RestoreReport()
	assert.Equal(t, "unreachable", r.SnapshotError)
	assert.True(t, r.Degraded())
	assert.Equal(t, 2, r.Replayed)
}

// corruptingLog reports the events at the listed seqs as corrupt.
type corruptingLog struct {
	*memstore.Store
	bad map[int64]bool
}

func (l corruptingLog) ReadFrom(ctx context.Context, entityID string, fromSeq int64) iter.Seq2[ir.EventRecord, error] {
	return func(yield func(ir.EventRecord, error) bool) {
		for rec, err := range l.Store.ReadFrom(ctx, entityID, fromSeq) {
			if err == nil && l.bad[rec.Seq] {
				err = fmt.Errorf("decode metadata: %w", ir.ErrCorruptRecord)
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

func TestRestore_SkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	fireAll(t, newOrderEngine(t, log), place, pay)

	e := newOrderEngine(t, corruptingLog{Store: log, bad: map[int64]bool{1: true}})
	state, seq, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, paid, state)
	assert.Equal(t, int64(2), seq)

	r := e.RestoreReport()
	assert.Equal(t, 1, r.Replayed)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, int64(1), r.Failures[0].Seq)
	assert.Contains(t, r.Failures[0].Error, "corrupt")
	assert.True(t, r.Degraded())
	assert.Equal(t, int64(1), e.TransitionCount())
}

// brokenLog fails every read.
type brokenLog struct{ *memstore.Store }

func (brokenLog) ReadFrom(context.Context, string, int64) iter.Seq2[ir.EventRecord, error] {
	return func(yield func(ir.EventRecord, error) bool) {
		yield(ir.EventRecord{}, errors.New("connection reset"))
	}
}

func TestRestore_ReadFailureLeavesEngineUnchanged(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	e := newOrderEngine(t, brokenLog{log})
	_, err := e.Fire(ctx, place)
	require.NoError(t, err)

	_, _, err = e.Restore(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, placed, e.State())
	assert.Equal(t, int64(1), e.Seq())
}

func TestRestore_VersionDrift(t *testing.T) {
	ctx := context.Background()
	log := memstore.New()
	fireAll(t, newOrderEngine(t, log), place, pay)

	e := New("order-1", orderFactory(2), orderCodec, log, WithLogger(quietLogger()))
	state, _, err := e.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, paid, state, "drifted events are still applied")
	assert.Equal(t, 2, e.RestoreReport().VersionDrift)
	assert.False(t, e.RestoreReport().Degraded())
}

func TestRestore_ReplayDeterminismProperty(t *testing.T) {
	triggers := []orderTrigger{place, pay, cancel, reopen, refund}
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		log := memstore.New()
		interval := rapid.IntRange(0, 4).Draw(rt, "interval")
		live := New("order-1", orderFactory(1), orderCodec, log,
			WithLogger(quietLogger()), WithSnapshotStore(log), WithSnapshotInterval(interval))

		ops := rapid.SliceOfN(rapid.SampledFrom(triggers), 0, 30).Draw(rt, "ops")
		for i, tr := range ops {
			_, err := live.FireWith(ctx, tr, FireOptions{DedupeKey: fmt.Sprintf("op-%d", i)})
			if err != nil && !IsInvalidTransition(err) {
				rt.Fatalf("fire %s: %v", tr, err)
			}
		}

		for _, useSnapshots := range []bool{true, false} {
			opts := []Option{WithLogger(quietLogger())}
			if useSnapshots {
				opts = append(opts, WithSnapshotStore(log))
			}
			restored := New("order-1", orderFactory(1), orderCodec, log, opts...)
			state, seq, err := restored.Restore(ctx)
			require.NoError(rt, err)
			assert.Equal(rt, live.State(), state)
			assert.Equal(rt, live.Seq(), seq)
			assert.Equal(rt, live.TransitionCount(), restored.TransitionCount())
		}
	})
}
