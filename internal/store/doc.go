// Package store provides SQLite-backed durable storage for statesaga.
//
// The store is the durable collaborator of the transition engine and the
// saga orchestrator:
//   - transition_events: append-only per-entity event log, keyed by
//     (entity_id, seq). A second append at the same seq fails with
//     ir.ErrSequenceConflict, which is how a stale writer is detected.
//   - snapshots: periodic entity summaries; the latest one bounds replay.
//   - saga_runs / saga_step_records: saga execution history.
//
// # Ordering
//
// Reads are ordered by seq, never by timestamp, so replay does not depend
// on wall time.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
