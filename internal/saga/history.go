package saga

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/statesaga/internal/ir"
)

// HistoryStore persists saga runs. Implemented by store.Store,
// pgstore.Store and memstore.Store.
type HistoryStore interface {
	SaveRun(ctx context.Context, run ir.SagaRunRecord) error
	AppendStepRecord(ctx context.Context, rec ir.StepRecord) error
}

// History is the append-only audit trail of one run.
type History struct {
	RunID         string          `json:"run_id"`
	SagaName      string          `json:"saga_name"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Executions    []ir.StepRecord `json:"executions"`
	Compensations []ir.StepRecord `json:"compensations,omitempty"`
}

func (h History) clone() History {
	h.Executions = slices.Clone(h.Executions)
	h.Compensations = slices.Clone(h.Compensations)
	return h
}

// Succeeded returns the names of steps with a successful execution record,
// in completion order.
func (h History) Succeeded() []string {
	var out []string
	for _, r := range h.Executions {
		if r.Success {
			out = append(out, r.Step)
		}
	}
	return out
}

// Result is the outcome of Execute.
type Result struct {
	RunID         string          `json:"run_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        Status          `json:"status"`
	Success       bool            `json:"success"`
	Compensated   bool            `json:"compensated"`
	Error         string          `json:"error,omitempty"`
	Executions    []ir.StepRecord `json:"executions"`
	Compensations []ir.StepRecord `json:"compensations,omitempty"`
	// Skipped lists steps excluded by their Condition, and the steps that
	// depend on an excluded step.
	Skipped []string `json:"skipped,omitempty"`
	// NotRun lists steps never attempted because the run stopped first, in
	// level order.
	NotRun      []string      `json:"not_run,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`

	// Err is the failure that ended the run, usually a *StepError.
	Err error `json:"-"`
}

// CompensationResult is the outcome of an explicit Compensate.
type CompensationResult struct {
	Status        Status          `json:"status"`
	Reason        string          `json:"reason"`
	Compensations []ir.StepRecord `json:"compensations"`
	// Failed lists steps whose compensation failed.
	Failed   []string      `json:"failed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StatusInfo is a point-in-time view of a run.
type StatusInfo struct {
	RunID  string `json:"run_id,omitempty"`
	Status Status `json:"status"`
	// CurrentStepIndex is the declaration index of the step started last,
	// or -1 before any step started.
	CurrentStepIndex int             `json:"current_step_index"`
	CurrentStepName  string          `json:"current_step_name,omitempty"`
	TotalSteps       int             `json:"total_steps"`
	Executions       []ir.StepRecord `json:"executions"`
}

// RunInfo identifies the run and step a StepFunc is executing for.
type RunInfo struct {
	SagaName      string
	RunID         string
	CorrelationID string
	Step          string
	Attempt       int
	Compensating  bool
}

type runInfoKey struct{}

func withRunInfo(ctx context.Context, ri RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, ri)
}

// RunInfoFrom returns the RunInfo stored in ctx by the orchestrator.
func RunInfoFrom(ctx context.Context) (RunInfo, bool) {
	ri, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return ri, ok
}
