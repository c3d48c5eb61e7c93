package ir

import (
	"errors"
	"time"
)

// ErrSequenceConflict is returned by an event log when an event with the same
// (entity, seq) already exists. It means another writer appended first.
var ErrSequenceConflict = errors.New("event sequence conflict")

// ErrCorruptRecord marks a single record that could not be decoded. Readers
// yield it for that record and keep going; any other read error ends the
// sequence.
var ErrCorruptRecord = errors.New("corrupt record")

// ErrNotFound is returned by stores for a missing run or snapshot lookup.
var ErrNotFound = errors.New("not found")

// EventRecord is the persisted form of a transition event.
// States and triggers are stored in their encoded string form.
type EventRecord struct {
	EntityID          string         `json:"entity_id"`
	Seq               int64          `json:"seq"`
	FromState         string         `json:"from_state"`
	ToState           string         `json:"to_state"`
	Trigger           string         `json:"trigger"`
	Timestamp         time.Time      `json:"timestamp"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	DedupeKey         string         `json:"dedupe_key,omitempty"`
	DefinitionVersion int            `json:"definition_version"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// SnapshotRecord is the persisted form of an entity snapshot.
// DedupeKeys lists the dedupe window oldest first so a snapshot restore keeps
// the same duplicate-suppression window as a full replay.
type SnapshotRecord struct {
	EntityID          string    `json:"entity_id"`
	Seq               int64     `json:"seq"`
	State             string    `json:"state"`
	TransitionCount   int64     `json:"transition_count"`
	DefinitionVersion int       `json:"definition_version"`
	Timestamp         time.Time `json:"timestamp"`
	DedupeKeys        []string  `json:"dedupe_keys,omitempty"`
}

// SagaRunRecord is the persisted header of one saga execution.
type SagaRunRecord struct {
	RunID         string     `json:"run_id"`
	SagaName      string     `json:"saga_name"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Step record kinds.
const (
	StepKindExecute    = "execute"
	StepKindCompensate = "compensate"
)

// StepRecord is one append-only audit entry of a saga run.
type StepRecord struct {
	RunID     string        `json:"run_id"`
	Seq       int64         `json:"seq"`
	Step      string        `json:"step"`
	Kind      string        `json:"kind"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
}
