// Package engine drives one entity through its state machine durably.
//
// Every Fire follows the same pipeline: circuit breaker, entity lock,
// dedupe window, legality check, FSM apply, append to the EventLog, and
// only then the in-memory bookkeeping, publish and periodic snapshot. The
// event log is the source of truth. Restore rebuilds an engine from the
// latest snapshot plus the events after it and never re-runs actions.
//
// Sequence numbers are assigned by the engine from a logical Clock, one per
// applied transition with no gaps. Wall-clock timestamps are recorded on
// events for humans only and never used for ordering.
//
// A Host keeps many engines of one definition open at once, restoring each
// entity on first use and closing it when its last handle is released.
package engine
