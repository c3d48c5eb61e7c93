package harness

// Trace event kinds.
const (
	KindTransition   = "transition"
	KindDuplicate    = "duplicate"
	KindRejected     = "rejected"
	KindStep         = "step"
	KindCompensation = "compensation"
	KindSaga         = "saga"
)

// TraceEvent is one observable outcome of a scenario.
type TraceEvent struct {
	Kind    string `json:"kind"`
	Entity  string `json:"entity,omitempty"`
	Trigger string `json:"trigger,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	// Code is the engine error code of a rejected fire.
	Code     string `json:"code,omitempty"`
	Saga     string `json:"saga,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	Step     string `json:"step,omitempty"`
	Success  *bool  `json:"success,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	Pass   bool         `json:"pass"`
	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`
	// States maps every entity in the trace to its last state.
	States map[string]string `json:"states"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		States: map[string]string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
