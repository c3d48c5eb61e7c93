package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/statesaga/internal/dedupe"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/telemetry"
)

// ReplayFailure describes one event skipped during Restore.
type ReplayFailure struct {
	Seq   int64  `json:"seq"`
	Error string `json:"error"`
}

// RestoreReport describes how the last Restore rebuilt the entity. A
// non-empty Failures list or a SnapshotError means the restored state may
// be stale.
type RestoreReport struct {
	FromSnapshot  bool            `json:"from_snapshot"`
	SnapshotSeq   int64           `json:"snapshot_seq"`
	SnapshotError string          `json:"snapshot_error,omitempty"`
	Replayed      int             `json:"replayed"`
	Skipped       int             `json:"skipped"`
	VersionDrift  int             `json:"version_drift"`
	Failures      []ReplayFailure `json:"failures,omitempty"`
}

// Degraded reports whether the restore skipped events or ignored a snapshot.
func (r RestoreReport) Degraded() bool {
	return r.Skipped > 0 || r.SnapshotError != ""
}

// Restore rebuilds the entity from its latest snapshot, if any, and the
// events after it. It returns the restored state and the last sequence
// number.
//
// Replay only folds states into a fresh machine through SetState: no entry
// or exit actions run and nothing is published. Dedupe keys of replayed
// events re-enter the dedupe window. An event that cannot be decoded is
// logged, recorded in the RestoreReport and skipped. A snapshot that cannot
// be loaded is ignored in favour of a full replay. Only a failing log read
// aborts the restore, in which case the engine is left unchanged.
func (e *Engine[S, T]) Restore(ctx context.Context) (state S, seq int64, err error) {
	ctx, span := e.opts.tracer.Start(ctx, "engine.Restore", trace.WithAttributes(
		attribute.String("statesaga.entity_id", e.entityID),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	lease, err := e.acquire(ctx)
	if err != nil {
		return state, 0, err
	}
	defer e.release(ctx, lease)

	e.mu.Lock()
	defer e.mu.Unlock()

	machine := e.factory()
	version := machine.Version()
	window := dedupe.New(e.opts.dedupeCapacity)
	var (
		report      RestoreReport
		transitions int64
		snapSeq     int64
	)

	if e.opts.snapshots != nil {
		snap, ok, err := e.opts.snapshots.LatestSnapshot(ctx, e.entityID)
		switch {
		case err != nil:
			report.SnapshotError = err.Error()
			e.opts.logger.Warn("snapshot load failed, replaying from genesis",
				"entity_id", e.entityID,
				"error", err,
			)
		case ok:
			s, derr := e.codec.DecodeState(snap.State)
			if derr != nil {
				report.SnapshotError = derr.Error()
				e.opts.logger.Warn("snapshot state undecodable, replaying from genesis",
					"entity_id", e.entityID,
					"seq", snap.Seq,
					"error", derr,
				)
				break
			}
			machine.SetState(s)
			seq = snap.Seq
			snapSeq = snap.Seq
			transitions = snap.TransitionCount
			for _, k := range snap.DedupeKeys {
				window.Insert(k)
			}
			report.FromSnapshot = true
			report.SnapshotSeq = snap.Seq
			if snap.DefinitionVersion != version {
				report.VersionDrift++
			}
		}
	}

	for rec, rerr := range e.log.ReadFrom(ctx, e.entityID, seq+1) {
		if rerr != nil {
			if !errors.Is(rerr, ir.ErrCorruptRecord) {
				return state, 0, fmt.Errorf("restore %s: %w", e.entityID, rerr)
			}
			e.skip(&report, rec.Seq, rerr)
			seq = max(seq, rec.Seq)
			continue
		}
		to, derr := e.codec.DecodeState(rec.ToState)
		if derr != nil {
			e.skip(&report, rec.Seq, derr)
			seq = max(seq, rec.Seq)
			continue
		}
		if rec.DefinitionVersion != version {
			report.VersionDrift++
			e.opts.logger.Warn("event definition version differs from machine",
				"entity_id", e.entityID,
				"seq", rec.Seq,
				"event_version", rec.DefinitionVersion,
				"machine_version", version,
			)
		}
		machine.SetState(to)
		seq = rec.Seq
		transitions++
		if rec.DedupeKey != "" {
			window.Insert(rec.DedupeKey)
		}
		report.Replayed++
	}

	e.machine = machine
	e.dedupe = window
	e.seq.Reset(seq)
	e.transitions = transitions
	e.sinceSnapshot = int(seq - snapSeq)
	e.lastSnapshotSeq = snapSeq
	e.report = report
	clear(e.triggers)

	e.opts.logger.Info("entity restored",
		"entity_id", e.entityID,
		"seq", seq,
		"state", e.codec.EncodeState(machine.State()),
		"from_snapshot", report.FromSnapshot,
		"replayed", report.Replayed,
		"skipped", report.Skipped,
	)
	span.SetAttributes(
		attribute.Int64("statesaga.seq", seq),
		attribute.Int("statesaga.replayed", report.Replayed),
		attribute.Int("statesaga.skipped", report.Skipped),
	)
	return machine.State(), seq, nil
}

func (e *Engine[S, T]) skip(report *RestoreReport, seq int64, err error) {
	report.Skipped++
	report.Failures = append(report.Failures, ReplayFailure{Seq: seq, Error: err.Error()})
	e.opts.logger.Warn("replay skipped event",
		"entity_id", e.entityID,
		"seq", seq,
		"error", err,
	)
}
