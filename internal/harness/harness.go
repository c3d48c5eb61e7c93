package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/statesaga/internal/definition"
	"github.com/roach88/statesaga/internal/engine"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/saga"
	"github.com/roach88/statesaga/internal/store"
	"github.com/roach88/statesaga/internal/testutil"
)

// epoch is the fixed wall clock start of every scenario.
var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario.
type Harness struct {
	store       *store.Store
	rt          *definition.Runtime
	rec         *recorder
	clock       *testutil.FakeClock
	runs        *testutil.SequenceGenerator
	logger      *slog.Logger
	correlation string
}

// recorder collects published transitions into the trace.
type recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func (r *recorder) Publish(_ context.Context, rec ir.EventRecord) error {
	r.add(TraceEvent{
		Kind:    KindTransition,
		Entity:  rec.EntityID,
		Trigger: rec.Trigger,
		From:    rec.FromState,
		To:      rec.ToState,
		Seq:     rec.Seq,
	})
	return nil
}

func (r *recorder) add(ev TraceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceEvent{}, r.events...)
}

// Run executes a scenario in a fresh in-memory database.
//
// Execution flow:
//  1. Load the definition and open an in-memory SQLite store
//  2. Execute flow steps, checking each expect clause
//  3. Evaluate assertions against the trace, entities and saga history
func Run(s *Scenario) (*Result, error) {
	return RunContext(context.Background(), s)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, s *Scenario) (*Result, error) {
	doc, err := definition.Load(s.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:       st,
		rec:         &recorder{},
		clock:       testutil.NewFakeClock(epoch, time.Millisecond),
		runs:        testutil.NewSequenceGenerator("run"),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		correlation: s.CorrelationID,
	}
	if h.correlation == "" {
		h.correlation = "scenario-" + s.Name
	}
	h.rt, err = definition.NewRuntime(doc, st,
		engine.WithSnapshotStore(st),
		engine.WithPublisher(h.rec),
		engine.WithLogger(h.logger),
		engine.WithNow(h.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	defer h.rt.Shutdown(context.WithoutCancel(ctx))

	result := NewResult()
	for i, step := range s.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("failed to execute flow: %w", err)
		}
	}
	result.Trace = h.rec.snapshot()
	for _, ev := range result.Trace {
		if ev.Kind == KindTransition {
			result.States[ev.Entity] = ev.To
		}
	}

	actx := &AssertionContext{Ctx: ctx, Runtime: h.rt, Store: st}
	for _, msg := range EvaluateAssertions(result, s.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) executeStep(ctx context.Context, i int, step FlowStep, result *Result) error {
	if step.Fire != nil {
		return h.fire(ctx, i, *step.Fire, step.Expect, result)
	}
	return h.run(ctx, i, *step.Run, step.Expect, result)
}

func (h *Harness) fire(ctx context.Context, i int, f FireStep, expect *Expect, result *Result) error {
	fo := engine.FireOptions{DedupeKey: f.DedupeKey, CorrelationID: h.correlation}
	res, err := h.rt.Fire(ctx, f.Machine, f.Entity, f.Trigger, fo, f.Args...)

	code := ""
	if err != nil {
		var ee *engine.Error
		if !errors.As(err, &ee) {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
		code = string(ee.Code)
		h.rec.add(TraceEvent{Kind: KindRejected, Entity: f.Entity, Trigger: f.Trigger, Code: code})
	} else if !res.Applied {
		h.rec.add(TraceEvent{Kind: KindDuplicate, Entity: f.Entity, Trigger: f.Trigger})
	}
	h.logger.Info("flow step completed", "step", i, "entity", f.Entity, "trigger", f.Trigger, "code", code)

	if expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d]: %s on %s rejected: %v", i, f.Trigger, f.Entity, err))
		}
		return nil
	}
	switch {
	case expect.Error != "" && code != expect.Error:
		result.AddError(fmt.Sprintf("flow[%d]: expected error %s, got %q", i, expect.Error, code))
	case expect.Error == "" && err != nil:
		result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, err))
	}
	if expect.Applied != nil && *expect.Applied != res.Applied {
		result.AddError(fmt.Sprintf("flow[%d]: expected applied=%t, got %t", i, *expect.Applied, res.Applied))
	}
	if expect.State != "" && expect.State != res.State {
		result.AddError(fmt.Sprintf("flow[%d]: expected state %s, got %s", i, expect.State, res.State))
	}
	return nil
}

func (h *Harness) run(ctx context.Context, i int, r RunStep, expect *Expect, result *Result) error {
	res, err := h.rt.RunSaga(ctx, r.Saga, definition.Vars(r.Vars), h.correlation,
		saga.WithLogger(h.logger),
		saga.WithNow(h.clock.Now),
		saga.WithIDGenerator(h.runs),
		saga.WithMaxConcurrency(1),
		saga.WithBackoff(saga.ConstantBackoff(time.Millisecond)),
		saga.WithHistoryStore(h.store),
	)
	if err != nil {
		return fmt.Errorf("flow[%d]: %w", i, err)
	}
	for _, rec := range res.Executions {
		h.rec.add(stepEvent(KindStep, r.Saga, res.RunID, rec))
	}
	for _, rec := range res.Compensations {
		h.rec.add(stepEvent(KindCompensation, r.Saga, res.RunID, rec))
	}
	h.rec.add(TraceEvent{Kind: KindSaga, Saga: r.Saga, RunID: res.RunID, Status: string(res.Status)})

	if expect != nil && expect.Status != "" && expect.Status != string(res.Status) {
		result.AddError(fmt.Sprintf("flow[%d]: expected saga status %s, got %s", i, expect.Status, res.Status))
	}
	return nil
}

func stepEvent(kind, sagaName, runID string, rec ir.StepRecord) TraceEvent {
	ok := rec.Success
	return TraceEvent{
		Kind:     kind,
		Saga:     sagaName,
		RunID:    runID,
		Step:     rec.Step,
		Success:  &ok,
		Attempts: rec.Attempts,
	}
}
