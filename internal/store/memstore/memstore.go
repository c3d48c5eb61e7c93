// Package memstore is an in-memory implementation of the event log, snapshot
// and saga history contracts. It backs tests and ephemeral hosts.
package memstore

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/statesaga/internal/ir"
)

// Store holds everything in maps guarded by one mutex. Records are copied on
// the way in and out so callers cannot mutate stored history.
type Store struct {
	mu        sync.Mutex
	events    map[string][]ir.EventRecord
	snapshots map[string][]ir.SnapshotRecord
	runs      map[string]ir.SagaRunRecord
	steps     map[string][]ir.StepRecord

	appendErr error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		events:    make(map[string][]ir.EventRecord),
		snapshots: make(map[string][]ir.SnapshotRecord),
		runs:      make(map[string]ir.SagaRunRecord),
		steps:     make(map[string][]ir.StepRecord),
	}
}

// FailAppends makes every following Append return err until it is called
// again with nil.
func (s *Store) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
}

// Append stores rec at rec.Seq. The seq must be exactly one past the last
// stored event of the entity; anything else is ir.ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, rec ir.EventRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return 0, fmt.Errorf("append event: %w", s.appendErr)
	}
	log := s.events[rec.EntityID]
	if rec.Seq != int64(len(log))+1 {
		return 0, fmt.Errorf("append event %s/%d: %w", rec.EntityID, rec.Seq, ir.ErrSequenceConflict)
	}
	rec.Metadata = maps.Clone(rec.Metadata)
	s.events[rec.EntityID] = append(log, rec)
	return rec.Seq, nil
}

// ReadFrom yields the events of entityID with seq >= fromSeq. The log is
// copied when iteration starts.
func (s *Store) ReadFrom(ctx context.Context, entityID string, fromSeq int64) iter.Seq2[ir.EventRecord, error] {
	return func(yield func(ir.EventRecord, error) bool) {
		s.mu.Lock()
		log := slices.Clone(s.events[entityID])
		s.mu.Unlock()

		for _, rec := range log {
			if rec.Seq < fromSeq {
				continue
			}
			if err := ctx.Err(); err != nil {
				yield(ir.EventRecord{EntityID: entityID, Seq: rec.Seq}, err)
				return
			}
			rec.Metadata = maps.Clone(rec.Metadata)
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// LastSeq returns the highest event seq of an entity.
func (s *Store) LastSeq(_ context.Context, entityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events[entityID])), nil
}

// ListEntities returns every entity with events, sorted.
func (s *Store) ListEntities(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Collect(maps.Keys(s.events))
	slices.Sort(ids)
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// SaveSnapshot stores snap, replacing any snapshot at the same seq.
func (s *Store) SaveSnapshot(ctx context.Context, snap ir.SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.DedupeKeys = slices.Clone(snap.DedupeKeys)
	list := s.snapshots[snap.EntityID]
	i, found := slices.BinarySearchFunc(list, snap.Seq, func(r ir.SnapshotRecord, seq int64) int {
		switch {
		case r.Seq < seq:
			return -1
		case r.Seq > seq:
			return 1
		}
		return 0
	})
	if found {
		list[i] = snap
	} else {
		list = slices.Insert(list, i, snap)
	}
	s.snapshots[snap.EntityID] = list
	return nil
}

// LatestSnapshot returns the snapshot with the highest seq.
func (s *Store) LatestSnapshot(_ context.Context, entityID string) (ir.SnapshotRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.snapshots[entityID]
	if len(list) == 0 {
		return ir.SnapshotRecord{}, false, nil
	}
	snap := list[len(list)-1]
	snap.DedupeKeys = slices.Clone(snap.DedupeKeys)
	return snap, true, nil
}

// SaveRun inserts or updates a saga run header.
func (s *Store) SaveRun(_ context.Context, run ir.SagaRunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.RunID]; ok {
		run.SagaName = prev.SagaName
		run.CorrelationID = prev.CorrelationID
		run.StartedAt = prev.StartedAt
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		run.CompletedAt = &t
	}
	s.runs[run.RunID] = run
	return nil
}

// AppendStepRecord stores rec. A record with an existing (run, seq) is
// ignored; the run must have been saved first.
func (s *Store) AppendStepRecord(_ context.Context, rec ir.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.RunID]; !ok {
		return fmt.Errorf("append step record: run %s: %w", rec.RunID, ir.ErrNotFound)
	}
	for _, r := range s.steps[rec.RunID] {
		if r.Seq == rec.Seq {
			return nil
		}
	}
	s.steps[rec.RunID] = append(s.steps[rec.RunID], rec)
	return nil
}

// ReadRun returns a run header or ir.ErrNotFound.
func (s *Store) ReadRun(_ context.Context, runID string) (ir.SagaRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ir.SagaRunRecord{}, ir.ErrNotFound
	}
	return run, nil
}

// ReadStepRecords returns the records of a run ordered by seq.
func (s *Store) ReadStepRecords(_ context.Context, runID string) ([]ir.StepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.steps[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if out == nil {
		out = []ir.StepRecord{}
	}
	return out, nil
}

// ListRuns returns runs newest first, optionally filtered by saga name.
func (s *Store) ListRuns(_ context.Context, sagaName string, limit int) ([]ir.SagaRunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ir.SagaRunRecord{}
	for _, run := range s.runs {
		if sagaName == "" || run.SagaName == sagaName {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
