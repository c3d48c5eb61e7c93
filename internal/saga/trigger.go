package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/statesaga/internal/engine"
)

// Firer fires triggers on one entity. *engine.Engine and *engine.Handle
// implement it.
type Firer[T comparable] interface {
	FireWith(ctx context.Context, t T, fo engine.FireOptions, args ...any) (bool, error)
}

// TriggerSpec describes a step that fires a trigger on an entity.
type TriggerSpec[D any, T comparable] struct {
	Name         string
	Dependencies []string
	// Target resolves the entity the trigger fires on.
	Target  func(D) Firer[T]
	Trigger T
	// Args returns the trigger arguments. Optional.
	Args func(D) []any
	// CompensateWith is fired on the same entity to undo the step. Optional.
	CompensateWith *T
	Timeout        time.Duration
	MaxRetries     int
	Condition      func(D) bool
}

// TriggerStep turns s into a Step. Each firing carries the run's
// correlation ID and the dedupe key "saga/<run>/<step>" (with a
// "/compensate" suffix for compensation), so a retried attempt that
// already reached the log is suppressed instead of applied twice. Policy
// rejections from the engine are not retried.
func TriggerStep[D any, T comparable](s TriggerSpec[D, T]) Step[D] {
	step := Step[D]{
		Name:         s.Name,
		Dependencies: s.Dependencies,
		Timeout:      s.Timeout,
		MaxRetries:   s.MaxRetries,
		Condition:    s.Condition,
		Execute: func(ctx context.Context, data D) error {
			return fireStep(ctx, s.Target(data), s.Trigger, argsOf(s.Args, data), "")
		},
	}
	if s.CompensateWith != nil {
		t := *s.CompensateWith
		step.Compensate = func(ctx context.Context, data D) error {
			return fireStep(ctx, s.Target(data), t, argsOf(s.Args, data), "/compensate")
		}
	}
	return step
}

func argsOf[D any](f func(D) []any, data D) []any {
	if f == nil {
		return nil
	}
	return f(data)
}

func fireStep[T comparable](ctx context.Context, f Firer[T], t T, args []any, suffix string) error {
	fo := engine.FireOptions{}
	if ri, ok := RunInfoFrom(ctx); ok {
		fo.DedupeKey = fmt.Sprintf("saga/%s/%s%s", ri.RunID, ri.Step, suffix)
		fo.CorrelationID = ri.CorrelationID
		fo.Metadata = map[string]any{"saga": ri.SagaName, "step": ri.Step}
	}
	if _, err := f.FireWith(ctx, t, fo, args...); err != nil {
		if cat, ok := engine.CategoryOf(err); ok && cat == engine.CategoryPolicy && !engine.IsCircuitOpen(err) {
			return Permanent(err)
		}
		return err
	}
	return nil
}
