package engine

import (
	"github.com/roach88/statesaga/internal/fsm"
)

// Info is a read-only view of an engine for monitoring.
type Info[S, T comparable] struct {
	EntityID          string
	State             S
	Seq               int64
	TransitionCount   int64
	DefinitionVersion int
	DedupeSize        int
	DedupeEvictions   uint64
	SinceSnapshot     int
	LastSnapshotSeq   int64
	Closed            bool
	Restore           RestoreReport
	Machine           fsm.Info[S, T]
}

// State returns the current state.
func (e *Engine[S, T]) State() S {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.State()
}

// Seq returns the sequence number of the last applied event.
func (e *Engine[S, T]) Seq() int64 {
	return e.seq.Current()
}

// TransitionCount returns the number of applied transitions.
func (e *Engine[S, T]) TransitionCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.transitions
}

// CanFire reports whether t may fire now with args.
func (e *Engine[S, T]) CanFire(t T, args ...any) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.CanFire(t, args...)
}

// CanFireWithReasons is CanFire plus the unmet guard descriptions.
func (e *Engine[S, T]) CanFireWithReasons(t T, args ...any) (bool, []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.CanFireWithReasons(t, args...)
}

// PermittedTriggers returns the triggers that may fire now.
func (e *Engine[S, T]) PermittedTriggers(args ...any) []T {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.PermittedTriggers(args...)
}

// DetailedPermittedTriggers describes the transitions that may fire now,
// including their guards and parameter shapes.
func (e *Engine[S, T]) DetailedPermittedTriggers(args ...any) []fsm.TransitionInfo[S, T] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.machine.PermittedDetails(args...)
}

// RestoreReport returns the report of the last Restore.
func (e *Engine[S, T]) RestoreReport() RestoreReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.report
}

// TriggerParams returns the parameter shapes cached for triggers fired
// since the machine was last built.
func (e *Engine[S, T]) TriggerParams() map[T]fsm.ParamInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[T]fsm.ParamInfo, len(e.triggers))
	for t, m := range e.triggers {
		out[t] = m.params
	}
	return out
}

// Info returns a read-only view of the engine.
func (e *Engine[S, T]) Info() Info[S, T] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Info[S, T]{
		EntityID:          e.entityID,
		State:             e.machine.State(),
		Seq:               e.seq.Current(),
		TransitionCount:   e.transitions,
		DefinitionVersion: e.machine.Version(),
		DedupeSize:        e.dedupe.Len(),
		DedupeEvictions:   e.dedupe.Evictions(),
		SinceSnapshot:     e.sinceSnapshot,
		LastSnapshotSeq:   e.lastSnapshotSeq,
		Closed:            e.closed,
		Restore:           e.report,
		Machine:           e.machine.Info(),
	}
}
