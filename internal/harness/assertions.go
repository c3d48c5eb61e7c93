package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/statesaga/internal/definition"
	"github.com/roach88/statesaga/internal/store"
)

// AssertionContext gives assertions access to the scenario's entities and
// saga history.
type AssertionContext struct {
	Ctx     context.Context
	Runtime *definition.Runtime
	Store   *store.Store
}

// AssertionError is a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTransitions:\n")
		for i, ev := range e.Trace {
			if ev.Kind == KindTransition {
				fmt.Fprintf(&buf, "  [%d] %s:%s %s -> %s\n", i+1, ev.Entity, ev.Trigger, ev.From, ev.To)
			}
		}
	}
	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertFinalState:
		return assertFinalState(a, actx)
	case AssertTransitionCount:
		return assertTransitionCount(a, actx)
	case AssertSagaStatus:
		return assertSagaStatus(a, actx)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertFinalState(a Assertion, actx *AssertionContext) error {
	info, err := actx.Runtime.Inspect(actx.Ctx, a.Machine, a.Entity)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", a.Entity, err)
	}
	if info.State != a.State {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s in state %s", a.Entity, a.State),
			Actual:   info.State,
		}
	}
	return nil
}

func assertTransitionCount(a Assertion, actx *AssertionContext) error {
	info, err := actx.Runtime.Inspect(actx.Ctx, a.Machine, a.Entity)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", a.Entity, err)
	}
	if info.TransitionCount != int64(a.Count) {
		return &AssertionError{
			Type:     AssertTransitionCount,
			Expected: fmt.Sprintf("%s with %d transitions", a.Entity, a.Count),
			Actual:   fmt.Sprintf("%d transitions", info.TransitionCount),
		}
	}
	return nil
}

func assertSagaStatus(a Assertion, actx *AssertionContext) error {
	run, err := actx.Store.ReadRun(actx.Ctx, a.Run)
	if err != nil {
		return fmt.Errorf("read run %s: %w", a.Run, err)
	}
	if run.Status != a.Status {
		return &AssertionError{
			Type:     AssertSagaStatus,
			Expected: fmt.Sprintf("run %s %s", a.Run, a.Status),
			Actual:   run.Status,
		}
	}
	return nil
}

// assertTraceOrder checks that the listed transitions appear in order.
// Other transitions may appear between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next == len(a.Transitions) {
			break
		}
		if ev.Kind == KindTransition && ev.Entity+":"+ev.Trigger == a.Transitions[next] {
			next++
		}
	}
	if next < len(a.Transitions) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: strings.Join(a.Transitions, " then "),
			Actual:   fmt.Sprintf("%s not found after %d matched", a.Transitions[next], next),
			Trace:    trace,
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Kind == KindTransition && ev.Trigger == a.Trigger && (a.Entity == "" || ev.Entity == a.Entity) {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d %s transitions", a.Count, a.Trigger),
			Actual:   fmt.Sprintf("%d", n),
			Trace:    trace,
		}
	}
	return nil
}
