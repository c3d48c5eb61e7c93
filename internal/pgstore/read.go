package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statesaga/internal/ir"
)

// LatestSnapshot returns the snapshot with the highest seq for an entity.
// ok is false when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, entityID string) (ir.SnapshotRecord, bool, error) {
	var (
		snap ir.SnapshotRecord
		keys string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, seq, state, transition_count, definition_version, taken_at, dedupe_keys::text
		FROM snapshots
		WHERE entity_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, entityID).Scan(
		&snap.EntityID,
		&snap.Seq,
		&snap.State,
		&snap.TransitionCount,
		&snap.DefinitionVersion,
		&snap.Timestamp,
		&keys,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return ir.SnapshotRecord{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	snap.Timestamp = snap.Timestamp.UTC()
	snap.DedupeKeys, err = unmarshalDedupeKeys(keys)
	if err != nil {
		return ir.SnapshotRecord{}, false, fmt.Errorf("latest snapshot %s: %w", entityID, err)
	}
	return snap, true, nil
}

const runColumns = `run_id, saga_name, correlation_id, status, error, started_at, completed_at`

// ReadRun returns a saga run header, or ir.ErrNotFound.
func (s *Store) ReadRun(ctx context.Context, runID string) (ir.SagaRunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM saga_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SagaRunRecord{}, ir.ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recent saga runs, newest first. An empty name
// lists every saga; a non-positive limit lists all runs.
func (s *Store) ListRuns(ctx context.Context, sagaName string, limit int) ([]ir.SagaRunRecord, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM saga_runs
		WHERE $1::text = '' OR saga_name = $1
		ORDER BY started_at DESC, run_id COLLATE "C" ASC
		LIMIT $2
	`, sagaName, lim)
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
func (s *Store) ReadStepRecords(ctx context.Context, runID string) ([]ir.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, step, kind, started_at, duration_ns, success, error, attempts
		FROM saga_step_records
		WHERE run_id = $1
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
			duration int64
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.Seq,
			&rec.Step,
			&rec.Kind,
			&rec.StartedAt,
			&duration,
			&rec.Success,
			&rec.Error,
			&rec.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scan step record: %w", err)
		}
		rec.StartedAt = rec.StartedAt.UTC()
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
		completed sql.NullTime
	)
	err := row.Scan(
		&run.RunID,
		&run.SagaName,
		&run.CorrelationID,
		&run.Status,
		&run.Error,
		&run.StartedAt,
		&completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.SagaRunRecord{}, err
		}
		return ir.SagaRunRecord{}, fmt.Errorf("scan saga run: %w", err)
	}
	run.StartedAt = run.StartedAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		run.CompletedAt = &t
	}
	return run, nil
}
