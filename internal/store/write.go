package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/statesaga/internal/ir"
)

// Append inserts a transition event at rec.Seq and returns that sequence
// number. An existing event at the same (entity, seq) fails with
// ir.ErrSequenceConflict; the log is never overwritten.
func (s *Store) Append(ctx context.Context, rec ir.EventRecord) (int64, error) {
	meta, err := ir.MarshalMetadata(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transition_events
		(entity_id, seq, event_id, from_state, to_state, trigger_name, occurred_at,
		 correlation_id, dedupe_key, definition_version, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.EntityID,
		rec.Seq,
		ir.EventID(rec.EntityID, rec.Seq),
		rec.FromState,
		rec.ToState,
		rec.Trigger,
		toNanos(rec.Timestamp),
		rec.CorrelationID,
		rec.DedupeKey,
		rec.DefinitionVersion,
		meta,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return 0, fmt.Errorf("append event %s/%d: %w", rec.EntityID, rec.Seq, ir.ErrSequenceConflict)
		}
		return 0, fmt.Errorf("append event: %w", err)
	}
	return rec.Seq, nil
}

// SaveSnapshot stores a snapshot. Saving the same (entity, seq) twice
// replaces the earlier row.
func (s *Store) SaveSnapshot(ctx context.Context, snap ir.SnapshotRecord) error {
	keys, err := marshalDedupeKeys(snap.DedupeKeys)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots
		(entity_id, seq, state, transition_count, definition_version, taken_at, dedupe_keys)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, seq) DO UPDATE SET
			state = excluded.state,
			transition_count = excluded.transition_count,
			definition_version = excluded.definition_version,
			taken_at = excluded.taken_at,
			dedupe_keys = excluded.dedupe_keys
	`,
		snap.EntityID,
		snap.Seq,
		snap.State,
		snap.TransitionCount,
		snap.DefinitionVersion,
		toNanos(snap.Timestamp),
		keys,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// PruneSnapshots deletes all but the newest keep snapshots of an entity.
func (s *Store) PruneSnapshots(ctx context.Context, entityID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE entity_id = ? AND seq NOT IN (
			SELECT seq FROM snapshots WHERE entity_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, entityID, entityID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// SaveRun inserts or updates a saga run header.
func (s *Store) SaveRun(ctx context.Context, run ir.SagaRunRecord) error {
	var completed sql.NullInt64
	if run.CompletedAt != nil {
		completed = sql.NullInt64{Int64: toNanos(*run.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_runs
		(run_id, saga_name, correlation_id, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		run.RunID,
		run.SagaName,
		run.CorrelationID,
		run.Status,
		run.Error,
		toNanos(run.StartedAt),
		completed,
	)
	if err != nil {
		return fmt.Errorf("save saga run: %w", err)
	}
	return nil
}

// AppendStepRecord inserts a saga step record.
// Uses ON CONFLICT DO NOTHING so a retried write of the same (run, seq) is
// silently ignored. The run must exist (foreign key constraint).
func (s *Store) AppendStepRecord(ctx context.Context, rec ir.StepRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO saga_step_records
		(run_id, seq, step, kind, started_at, duration_ns, success, error, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.RunID,
		rec.Seq,
		rec.Step,
		rec.Kind,
		toNanos(rec.StartedAt),
		int64(rec.Duration),
		rec.Success,
		rec.Error,
		rec.Attempts,
	)
	if err != nil {
		return fmt.Errorf("append step record: %w", err)
	}
	return nil
}
