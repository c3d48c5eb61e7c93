package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/statesaga/internal/breaker"
	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/telemetry"
)

// Orchestrator executes one saga run over a validated step graph.
//
// Levels run in ascending order and each level is a barrier. Steps of a
// level run concurrently, bounded by the max concurrency. The first step
// that fails after its retries stops the launch of further steps; siblings
// already running finish. Every step that succeeded is then compensated in
// reverse completion order. Compensation ignores cancellation of the
// caller's context and keeps going past failed compensations.
type Orchestrator[D any] struct {
	name  string
	steps map[string]Step[D]
	index map[string]int
	graph *Graph
	opts  options

	mu        sync.Mutex // guards everything below
	status    Status
	runID     string
	current   string
	startedAt time.Time
	history   History
	completed []string
	nextSeq   int64
}

// New validates steps and returns an orchestrator ready for one run.
// Graph validation errors are joined; each is a *GraphError.
func New[D any](name string, steps []Step[D], opts ...Option) (*Orchestrator[D], error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	specs := make([]StepSpec, len(steps))
	for i, s := range steps {
		specs[i] = StepSpec{Name: s.Name, Dependencies: s.Dependencies}
	}
	g, gerrs := BuildGraph(specs)
	if len(gerrs) > 0 {
		errs := make([]error, len(gerrs))
		for i, e := range gerrs {
			errs[i] = e
		}
		return nil, fmt.Errorf("saga %s: %w", name, errors.Join(errs...))
	}

	orch := &Orchestrator[D]{
		name:   name,
		steps:  make(map[string]Step[D], len(steps)),
		index:  make(map[string]int, len(steps)),
		graph:  g,
		opts:   o,
		status: StatusNotStarted,
	}
	for i, s := range steps {
		if s.Execute == nil {
			return nil, fmt.Errorf("saga %s: step %s has no execute function", name, s.Name)
		}
		orch.steps[s.Name] = s
		orch.index[s.Name] = i
	}
	return orch, nil
}

// Name returns the saga name.
func (o *Orchestrator[D]) Name() string {
	return o.name
}

// Graph returns the execution graph.
func (o *Orchestrator[D]) Graph() *Graph {
	return o.graph
}

// Execute runs the saga once. The returned error is non-nil only when the
// run could not start; step and compensation failures are reported in the
// Result. An empty correlationID defaults to the run ID.
func (o *Orchestrator[D]) Execute(ctx context.Context, data D, correlationID string) (Result, error) {
	o.mu.Lock()
	if o.status != StatusNotStarted {
		o.mu.Unlock()
		return Result{}, ErrAlreadyStarted
	}
	runID := o.opts.ids.Generate()
	if correlationID == "" {
		correlationID = runID
	}
	o.runID = runID
	o.status = StatusRunning
	o.startedAt = o.opts.now().UTC()
	o.history = History{RunID: runID, SagaName: o.name, CorrelationID: correlationID}
	o.mu.Unlock()

	ctx, span := o.opts.tracer.Start(ctx, "saga.Execute", trace.WithAttributes(
		attribute.String("statesaga.saga", o.name),
		attribute.String("statesaga.run_id", runID),
	))
	logger := o.logger(ctx)
	logger.Info("saga started", "correlation_id", correlationID, "steps", o.graph.Len())
	o.persistRun(ctx, StatusRunning, "", nil)

	var (
		skipped []string
		notRun  []string
		failure error
	)
	excluded := make(map[string]bool)
	for i, level := range o.graph.levels {
		if err := context.Cause(ctx); err != nil {
			failure = err
			notRun = o.stepsFrom(i)
			break
		}
		var eligible []string
		for _, name := range level {
			if dep := o.excludedDependency(name, excluded); dep != "" {
				excluded[name] = true
				skipped = append(skipped, name)
				logger.Debug("saga step excluded with its dependency", "step", name, "dependency", dep)
				continue
			}
			if c := o.steps[name].Condition; c != nil && !c(data) {
				excluded[name] = true
				skipped = append(skipped, name)
				logger.Debug("saga step excluded by condition", "step", name)
				continue
			}
			eligible = append(eligible, name)
		}
		if err := o.runLevel(ctx, eligible, data); err != nil {
			failure = err
			notRun = o.unrecorded(eligible, o.stepsFrom(i+1))
			break
		}
	}

	status := StatusCompleted
	if failure != nil {
		logger.Warn("saga step failed", "error", failure)
		if len(o.completedSteps()) == 0 {
			status = StatusFailed
		} else {
			o.setStatus(StatusCompensating)
			o.persistRun(ctx, StatusCompensating, failure.Error(), nil)
			if failed := o.compensateAll(ctx, data); len(failed) > 0 {
				status = StatusCompensationFailed
			} else {
				status = StatusCompensated
			}
		}
	}

	completedAt := o.opts.now().UTC()
	errMsg := ""
	if failure != nil {
		errMsg = failure.Error()
	}
	o.setStatus(status)
	o.persistRun(ctx, status, errMsg, &completedAt)

	o.mu.Lock()
	h := o.history.clone()
	o.mu.Unlock()
	res := Result{
		RunID:         runID,
		CorrelationID: correlationID,
		Status:        status,
		Success:       status == StatusCompleted,
		Compensated:   status == StatusCompensated,
		Error:         errMsg,
		Executions:    h.Executions,
		Compensations: h.Compensations,
		Skipped:       skipped,
		NotRun:        notRun,
		Duration:      completedAt.Sub(o.startedAt),
		CompletedAt:   completedAt,
		Err:           failure,
	}
	span.SetAttributes(attribute.String("statesaga.status", string(status)))
	telemetry.EndSpan(span, failure)
	logger.Info("saga finished",
		"status", status,
		"duration", res.Duration,
		"executed", len(res.Executions),
		"compensated", len(res.Compensations),
	)
	return res, nil
}

// excludedDependency returns a dependency of name that was excluded from
// the run, or "". Levels run in ascending order, so every dependency has
// been decided before name is scheduled.
func (o *Orchestrator[D]) excludedDependency(name string, excluded map[string]bool) string {
	for _, dep := range o.graph.Dependencies(name) {
		if excluded[dep] {
			return dep
		}
	}
	return ""
}

// stepsFrom returns the steps of level i and every later level.
func (o *Orchestrator[D]) stepsFrom(i int) []string {
	var out []string
	for _, level := range o.graph.levels[min(i, len(o.graph.levels)):] {
		out = append(out, level...)
	}
	return out
}

// unrecorded returns the steps of level that have no execution record,
// followed by rest.
func (o *Orchestrator[D]) unrecorded(level, rest []string) []string {
	o.mu.Lock()
	seen := make(map[string]bool, len(o.history.Executions))
	for _, r := range o.history.Executions {
		seen[r.Step] = true
	}
	o.mu.Unlock()
	var out []string
	for _, name := range level {
		if !seen[name] {
			out = append(out, name)
		}
	}
	return append(out, rest...)
}

// runLevel runs one level and returns the first step failure.
func (o *Orchestrator[D]) runLevel(ctx context.Context, names []string, data D) error {
	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(max(1, o.opts.maxConcurrency))
	for _, name := range names {
		if failed.Load() {
			break
		}
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := o.runStep(ctx, o.steps[name], data); err != nil {
				failed.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator[D]) runStep(ctx context.Context, s Step[D], data D) error {
	o.mu.Lock()
	o.current = s.Name
	o.mu.Unlock()

	ctx, span := o.opts.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("statesaga.saga", o.name),
		attribute.String("statesaga.step", s.Name),
	))
	start := o.opts.now()
	attempts, err := o.retry(ctx, RunInfo{Step: s.Name}, s.Execute, s.Timeout, s.MaxRetries, data)
	rec := ir.StepRecord{
		Step:      s.Name,
		Kind:      ir.StepKindExecute,
		StartedAt: start.UTC(),
		Duration:  o.opts.now().Sub(start),
		Success:   err == nil,
		Attempts:  attempts,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	o.record(ctx, rec)
	span.SetAttributes(attribute.Int("statesaga.attempts", attempts))
	telemetry.EndSpan(span, err)
	if err != nil {
		return &StepError{Step: s.Name, Attempts: attempts, Err: err}
	}
	o.logger(ctx).Debug("saga step completed", "step", s.Name, "attempts", attempts)
	return nil
}

// retry calls fn under the retry policy and returns the number of attempts.
func (o *Orchestrator[D]) retry(ctx context.Context, ri RunInfo, fn StepFunc[D], timeout time.Duration, retries int, data D) (int, error) {
	if timeout <= 0 {
		timeout = o.opts.stepTimeout
	}
	switch {
	case retries == 0:
		retries = o.opts.maxRetries
	case retries < 0:
		retries = 0
	}
	o.mu.Lock()
	ri.SagaName = o.name
	ri.RunID = o.runID
	ri.CorrelationID = o.history.CorrelationID
	o.mu.Unlock()

	var br *breaker.Breaker
	if o.opts.breakers != nil {
		br = o.opts.breakers.Get(o.name + "/" + ri.Step)
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		ri.Attempt = attempts
		actx := withRunInfo(ctx, ri)
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, timeout)
			defer cancel()
		}
		call := func(c context.Context) error { return fn(c, data) }
		var err error
		if br != nil {
			err = br.Execute(actx, call)
		} else {
			err = call(actx)
		}
		var oe *breaker.OpenError
		if errors.As(err, &oe) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(o.opts.backoff()),
		backoff.WithMaxTries(uint(max(0, retries)+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			o.logger(ctx).Warn("saga step retry",
				"step", ri.Step,
				"compensating", ri.Compensating,
				"attempt", attempts,
				"wait", wait,
				"error", err,
			)
		}),
	)
	return attempts, err
}

// compensateAll compensates every completed step in reverse completion
// order and returns the steps whose compensation failed.
func (o *Orchestrator[D]) compensateAll(ctx context.Context, data D) []string {
	ctx = context.WithoutCancel(ctx)
	ctx, span := o.opts.tracer.Start(ctx, "saga.compensate", trace.WithAttributes(
		attribute.String("statesaga.saga", o.name),
	))
	var failed []string
	completed := o.completedSteps()
	for _, name := range slices.Backward(completed) {
		s := o.steps[name]
		if s.Compensate == nil {
			continue
		}
		o.mu.Lock()
		o.current = name
		o.mu.Unlock()

		start := o.opts.now()
		attempts, err := o.retry(ctx, RunInfo{Step: name, Compensating: true}, s.Compensate, s.Timeout, s.MaxRetries, data)
		rec := ir.StepRecord{
			Step:      name,
			Kind:      ir.StepKindCompensate,
			StartedAt: start.UTC(),
			Duration:  o.opts.now().Sub(start),
			Success:   err == nil,
			Attempts:  attempts,
		}
		if err != nil {
			rec.Error = err.Error()
			failed = append(failed, name)
			o.logger(ctx).Error("saga compensation failed",
				"step", name,
				"attempts", attempts,
				"error", err,
			)
		}
		o.record(ctx, rec)
	}
	var err error
	if len(failed) > 0 {
		err = fmt.Errorf("compensation failed for %v", failed)
	}
	telemetry.EndSpan(span, err)
	return failed
}

// Compensate undoes a completed run. Any other status returns
// ErrNotCompensable.
func (o *Orchestrator[D]) Compensate(ctx context.Context, data D, reason string) (CompensationResult, error) {
	o.mu.Lock()
	if o.status != StatusCompleted {
		status := o.status
		o.mu.Unlock()
		return CompensationResult{}, fmt.Errorf("%w: status %s", ErrNotCompensable, status)
	}
	o.status = StatusCompensating
	before := len(o.history.Compensations)
	o.mu.Unlock()

	o.logger(ctx).Info("saga compensation requested", "reason", reason)
	o.persistRun(ctx, StatusCompensating, reason, nil)
	start := o.opts.now()
	failed := o.compensateAll(ctx, data)

	status := StatusCompensated
	if len(failed) > 0 {
		status = StatusCompensationFailed
	}
	completedAt := o.opts.now().UTC()
	o.setStatus(status)
	o.persistRun(ctx, status, reason, &completedAt)

	o.mu.Lock()
	recs := slices.Clone(o.history.Compensations[before:])
	o.mu.Unlock()
	return CompensationResult{
		Status:        status,
		Reason:        reason,
		Compensations: recs,
		Failed:        failed,
		Duration:      o.opts.now().Sub(start),
	}, nil
}

// Status returns the current status of the run.
func (o *Orchestrator[D]) Status() StatusInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := -1
	if o.current != "" {
		idx = o.index[o.current]
	}
	return StatusInfo{
		RunID:            o.runID,
		Status:           o.status,
		CurrentStepIndex: idx,
		CurrentStepName:  o.current,
		TotalSteps:       o.graph.Len(),
		Executions:       slices.Clone(o.history.Executions),
	}
}

// History returns a copy of the run's audit trail.
func (o *Orchestrator[D]) History() History {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.clone()
}

func (o *Orchestrator[D]) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

func (o *Orchestrator[D]) completedSteps() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.completed)
}

// record appends rec to the history and persists it.
func (o *Orchestrator[D]) record(ctx context.Context, rec ir.StepRecord) {
	o.mu.Lock()
	o.nextSeq++
	rec.RunID = o.runID
	rec.Seq = o.nextSeq
	if rec.Kind == ir.StepKindCompensate {
		o.history.Compensations = append(o.history.Compensations, rec)
	} else {
		o.history.Executions = append(o.history.Executions, rec)
		if rec.Success {
			o.completed = append(o.completed, rec.Step)
		}
	}
	o.mu.Unlock()

	if o.opts.history == nil {
		return
	}
	if err := o.opts.history.AppendStepRecord(context.WithoutCancel(ctx), rec); err != nil {
		o.logger(ctx).Error("saga step record not persisted",
			"step", rec.Step,
			"seq", rec.Seq,
			"error", err,
		)
	}
}

func (o *Orchestrator[D]) persistRun(ctx context.Context, status Status, errMsg string, completedAt *time.Time) {
	if o.opts.history == nil {
		return
	}
	o.mu.Lock()
	run := ir.SagaRunRecord{
		RunID:         o.runID,
		SagaName:      o.name,
		CorrelationID: o.history.CorrelationID,
		Status:        string(status),
		Error:         errMsg,
		StartedAt:     o.startedAt,
		CompletedAt:   completedAt,
	}
	o.mu.Unlock()
	if err := o.opts.history.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger(ctx).Error("saga run not persisted",
			"status", status,
			"error", err,
		)
	}
}

func (o *Orchestrator[D]) logger(ctx context.Context) *slog.Logger {
	return telemetry.LogWithTrace(ctx, o.opts.logger).With("saga", o.name, "run_id", o.runID)
}
