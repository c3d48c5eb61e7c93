package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statesaga/internal/ir"
)

// LatestSnapshot returns the snapshot with the highest seq for an entity.
// ok is false when none exists. A snapshot whose dedupe window cannot be
// decoded returns an error wrapping ir.ErrCorruptRecord.
func (s *Store) LatestSnapshot(ctx context.Context, entityID string) (ir.SnapshotRecord, bool, error) {
	var (
		snap ir.SnapshotRecord
		at   int64
		keys string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, seq, state, transition_count, definition_version, taken_at, dedupe_keys
		FROM snapshots
		WHERE entity_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, entityID).Scan(
		&snap.EntityID,
		&snap.Seq,
		&snap.State,
		&snap.TransitionCount,
		&snap.DefinitionVersion,
		&at,
		&keys,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return ir.SnapshotRecord{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Timestamp = fromNanos(at)
	snap.DedupeKeys, err = unmarshalDedupeKeys(keys)
	if err != nil {
		return ir.SnapshotRecord{}, false, fmt.Errorf("latest snapshot %s: %w", entityID, err)
	}
	return snap, true, nil
}

// ReadRun returns a saga run header. Returns ir.ErrNotFound if missing.
func (s *Store) ReadRun(ctx context.Context, runID string) (ir.SagaRunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, saga_name, correlation_id, status, error, started_at, completed_at
		FROM saga_runs
		WHERE run_id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SagaRunRecord{}, ir.ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent saga runs, newest first. An empty name
// lists runs of every saga; a non-positive limit lists all of them.
func (s *Store) ListRuns(ctx context.Context, sagaName string, limit int) ([]ir.SagaRunRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, saga_name, correlation_id, status, error, started_at, completed_at
		FROM saga_runs
		WHERE ? = '' OR saga_name = ?
		ORDER BY started_at DESC, run_id COLLATE BINARY ASC
		LIMIT ?
	`, sagaName, sagaName, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.SagaRunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadStepRecords returns the audit records of a run in append order.
// Returns an empty slice (not nil) when the run has none.
func (s *Store) ReadStepRecords(ctx context.Context, runID string) ([]ir.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, step, kind, started_at, duration_ns, success, error, attempts
		FROM saga_step_records
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query step records: %w", err)
	}
	defer rows.Close()

	records := []ir.StepRecord{}
	for rows.Next() {
		var (
			rec      ir.StepRecord
			started  int64
			duration int64
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.Seq,
			&rec.Step,
			&rec.Kind,
			&started,
			&duration,
			&rec.Success,
			&rec.Error,
			&rec.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		rec.StartedAt = fromNanos(started)
		rec.Duration = time.Duration(duration)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step records: %w", err)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (ir.SagaRunRecord, error) {
	var (
		run       ir.SagaRunRecord
		started   int64
		completed sql.NullInt64
	)
	err := row.Scan(
		&run.RunID,
		&run.SagaName,
		&run.CorrelationID,
		&run.Status,
		&run.Error,
		&started,
		&completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.SagaRunRecord{}, err
		}
		return ir.SagaRunRecord{}, fmt.Errorf("scan saga run: %w", err)
	}
	run.StartedAt = fromNanos(started)
	if completed.Valid {
		t := fromNanos(completed.Int64)
		run.CompletedAt = &t
	}
	return run, nil
}
