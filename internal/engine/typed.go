package engine

import (
	"context"

	"github.com/roach88/statesaga/internal/fsm"
)

// Fire1 fires a one-argument trigger with a typed argument.
func Fire1[S, T comparable, A any](ctx context.Context, e *Engine[S, T], d fsm.Trigger1[T, A], a A) (bool, error) {
	return e.FireWith(ctx, d.Trigger(), FireOptions{}, d.Args(a)...)
}

// Fire2 fires a two-argument trigger with typed arguments.
func Fire2[S, T comparable, A, B any](ctx context.Context, e *Engine[S, T], d fsm.Trigger2[T, A, B], a A, b B) (bool, error) {
	return e.FireWith(ctx, d.Trigger(), FireOptions{}, d.Args(a, b)...)
}

// Fire3 fires a three-argument trigger with typed arguments.
func Fire3[S, T comparable, A, B, C any](ctx context.Context, e *Engine[S, T], d fsm.Trigger3[T, A, B, C], a A, b B, c C) (bool, error) {
	return e.FireWith(ctx, d.Trigger(), FireOptions{}, d.Args(a, b, c)...)
}
