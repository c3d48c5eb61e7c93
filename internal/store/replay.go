package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/statesaga/internal/ir"
)

// ReadFrom returns the events of entityID with seq >= fromSeq in seq order.
//
// The sequence is lazy and paged: each page is read fully and its rows
// closed before any event is yielded, so a consumer may write to the store
// while iterating. A record whose metadata cannot be decoded is yielded with
// an error wrapping ir.ErrCorruptRecord and iteration continues; any other
// error is yielded once and ends the sequence.
func (s *Store) ReadFrom(ctx context.Context, entityID string, fromSeq int64) iter.Seq2[ir.EventRecord, error] {
	return func(yield func(ir.EventRecord, error) bool) {
		next := fromSeq
		for {
			page, err := s.readPage(ctx, entityID, next)
			if err != nil {
				yield(ir.EventRecord{EntityID: entityID, Seq: next}, err)
				return
			}
			for _, r := range page {
				if !yield(r.rec, r.err) {
					return
				}
				next = r.rec.Seq + 1
			}
			if len(page) < s.pageSize {
				return
			}
		}
	}
}

type pageRow struct {
	rec ir.EventRecord
	err error
}

func (s *Store) readPage(ctx context.Context, entityID string, fromSeq int64) ([]pageRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, seq, from_state, to_state, trigger_name, occurred_at,
		       correlation_id, dedupe_key, definition_version, metadata
		FROM transition_events
		WHERE entity_id = ? AND seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, entityID, fromSeq, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var page []pageRow
	for rows.Next() {
		r := scanEvent(rows)
		if r.err != nil && !errors.Is(r.err, ir.ErrCorruptRecord) {
			return nil, r.err
		}
		page = append(page, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return page, nil
}

func scanEvent(rows *sql.Rows) pageRow {
	var (
		rec  ir.EventRecord
		at   int64
		meta string
	)
	err := rows.Scan(
		&rec.EntityID,
		&rec.Seq,
		&rec.FromState,
		&rec.ToState,
		&rec.Trigger,
		&at,
		&rec.CorrelationID,
		&rec.DedupeKey,
		&rec.DefinitionVersion,
		&meta,
	)
	if err != nil {
		return pageRow{rec: rec, err: fmt.Errorf("scan event: %w", err)}
	}
	rec.Timestamp = fromNanos(at)
	rec.Metadata, err = ir.UnmarshalMetadata(meta)
	if err != nil {
		return pageRow{rec: rec, err: fmt.Errorf("event %s/%d: %w", rec.EntityID, rec.Seq, err)}
	}
	return pageRow{rec: rec}
}

// LastSeq returns the highest event seq of an entity, or 0 when it has none.
func (s *Store) LastSeq(ctx context.Context, entityID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM transition_events WHERE entity_id = ?
	`, entityID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// ListEntities returns every entity with at least one event, sorted.
func (s *Store) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT entity_id FROM transition_events ORDER BY entity_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// FindByDedupeKey returns the event that recorded key for an entity.
// Returns ir.ErrNotFound when no event carries the key.
func (s *Store) FindByDedupeKey(ctx context.Context, entityID, key string) (ir.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, seq, from_state, to_state, trigger_name, occurred_at,
		       correlation_id, dedupe_key, definition_version, metadata
		FROM transition_events
		WHERE entity_id = ? AND dedupe_key = ?
		ORDER BY seq ASC
		LIMIT 1
	`, entityID, key)
	if err != nil {
		return ir.EventRecord{}, fmt.Errorf("find by dedupe key: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return ir.EventRecord{}, fmt.Errorf("find by dedupe key: %w", err)
		}
		return ir.EventRecord{}, ir.ErrNotFound
	}
	r := scanEvent(rows)
	return r.rec, r.err
}
