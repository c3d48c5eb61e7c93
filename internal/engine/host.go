package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/statesaga/internal/lock"
)

// Host owns the engines of many entities sharing one definition, log,
// locker and breaker registry. It stands in for the actor runtime: Open
// activates an entity (restoring it), Close deactivates it.
type Host[S, T comparable] struct {
	factory MachineFactory[S, T]
	codec   Codec[S, T]
	log     EventLog
	opts    options

	mu      sync.Mutex
	entries map[string]*hostEntry[S, T]
	closed  bool
}

type hostEntry[S, T comparable] struct {
	ready  chan struct{} // closed when engine or err is set
	engine *Engine[S, T]
	err    error
	refs   int
}

// Handle is an open reference to an entity's engine. Every Handle returned
// by Open must be closed exactly once.
type Handle[S, T comparable] struct {
	*Engine[S, T]
	host   *Host[S, T]
	closed atomic.Bool
}

// NewHost creates a host. Options apply to every engine it opens; when no
// locker is given all engines share one in-process KeyedMutex.
func NewHost[S, T comparable](factory MachineFactory[S, T], codec Codec[S, T], log EventLog, opts ...Option) *Host[S, T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = lock.NewKeyedMutex()
	}
	return &Host[S, T]{
		factory: factory,
		codec:   codec,
		log:     log,
		opts:    o,
		entries: make(map[string]*hostEntry[S, T]),
	}
}

// Open returns a handle to entityID, restoring it on first open. Concurrent
// opens of the same entity share one engine and one restore.
func (h *Host[S, T]) Open(ctx context.Context, entityID string) (*Handle[S, T], error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, &Error{Code: CodeEntityClosed, Message: "host shut down", EntityID: entityID}
	}
	if ent, ok := h.entries[entityID]; ok {
		ent.refs++
		h.mu.Unlock()
		select {
		case <-ent.ready:
		case <-ctx.Done():
			h.unref(entityID, ent)
			return nil, context.Cause(ctx)
		}
		if ent.err != nil {
			h.unref(entityID, ent)
			return nil, ent.err
		}
		return &Handle[S, T]{Engine: ent.engine, host: h}, nil
	}
	ent := &hostEntry[S, T]{ready: make(chan struct{}), refs: 1}
	h.entries[entityID] = ent
	h.mu.Unlock()

	eng := newEngine(entityID, h.factory, h.codec, h.log, h.opts)
	if _, _, err := eng.Restore(ctx); err != nil {
		ent.err = fmt.Errorf("open %s: %w", entityID, err)
		h.mu.Lock()
		if h.entries[entityID] == ent {
			delete(h.entries, entityID)
		}
		h.mu.Unlock()
		close(ent.ready)
		return nil, ent.err
	}
	ent.engine = eng
	close(ent.ready)

	// Shutdown may have dropped the entry while Restore ran.
	h.mu.Lock()
	dropped := h.closed && h.entries[entityID] != ent
	h.mu.Unlock()
	if dropped {
		if err := eng.Close(context.WithoutCancel(ctx)); err != nil {
			h.opts.logger.Warn("close after shutdown failed", "entity_id", entityID, "error", err)
		}
		return nil, &Error{Code: CodeEntityClosed, Message: "host shut down", EntityID: entityID}
	}
	return &Handle[S, T]{Engine: eng, host: h}, nil
}

func (h *Host[S, T]) unref(entityID string, ent *hostEntry[S, T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ent.refs--
}

// Close releases a handle. When the last handle of an entity closes, the
// engine takes its final snapshot and is dropped.
func (h *Host[S, T]) Close(ctx context.Context, hd *Handle[S, T]) error {
	if !hd.closed.CompareAndSwap(false, true) {
		return nil
	}
	id := hd.EntityID()
	h.mu.Lock()
	ent, ok := h.entries[id]
	if !ok || ent.engine != hd.Engine {
		h.mu.Unlock()
		return nil
	}
	ent.refs--
	if ent.refs > 0 {
		h.mu.Unlock()
		return nil
	}
	delete(h.entries, id)
	h.mu.Unlock()
	return ent.engine.Close(ctx)
}

// Close releases the handle through its host.
func (hd *Handle[S, T]) Close(ctx context.Context) error {
	return hd.host.Close(ctx, hd)
}

// OpenEntities returns the IDs of currently open entities, sorted.
func (h *Host[S, T]) OpenEntities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := slices.Collect(maps.Keys(h.entries))
	slices.Sort(ids)
	return ids
}

// Shutdown closes every open engine regardless of outstanding handles and
// rejects further opens. Entities still restoring are waited for until ctx
// ends; those left behind are closed by their Open once Restore returns.
func (h *Host[S, T]) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = make(map[string]*hostEntry[S, T])
	h.mu.Unlock()

	var errs []error
	for _, id := range slices.Sorted(maps.Keys(entries)) {
		ent := entries[id]
		select {
		case <-ent.ready:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("close %s: %w", id, context.Cause(ctx)))
			continue
		}
		if ent.engine == nil {
			continue
		}
		if err := ent.engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
