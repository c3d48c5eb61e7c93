package definition

import (
	"fmt"
	"time"

	"github.com/roach88/statesaga/internal/saga"
)

// File is one workflow definition file.
type File struct {
	Machines []Machine `yaml:"machines" json:"machines"`
	Sagas    []Saga    `yaml:"sagas,omitempty" json:"sagas,omitempty"`
}

// Machine declares a string-typed state machine.
type Machine struct {
	Name string `yaml:"name" json:"name"`
	// Version is stamped on every event the machine produces. Zero means 1.
	Version     int          `yaml:"version,omitempty" json:"version,omitempty"`
	Initial     string       `yaml:"initial" json:"initial"`
	Transitions []Transition `yaml:"transitions" json:"transitions"`
}

// EffectiveVersion returns Version, defaulting to 1.
func (m Machine) EffectiveVersion() int {
	if m.Version <= 0 {
		return 1
	}
	return m.Version
}

// States returns every state named by the machine in declaration order.
func (m Machine) States() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(m.Initial)
	for _, t := range m.Transitions {
		add(t.From)
		add(t.To)
	}
	return out
}

// Triggers returns every trigger of the machine in declaration order.
func (m Machine) Triggers() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range m.Transitions {
		if !seen[t.Trigger] {
			seen[t.Trigger] = true
			out = append(out, t.Trigger)
		}
	}
	return out
}

// Transition permits Trigger to move the machine from From to To. When
// Reentry is set To may be omitted and defaults to From.
type Transition struct {
	From    string `yaml:"from" json:"from"`
	Trigger string `yaml:"trigger" json:"trigger"`
	To      string `yaml:"to,omitempty" json:"to,omitempty"`
	Reentry bool   `yaml:"reentry,omitempty" json:"reentry,omitempty"`
	Guard   *Guard `yaml:"guard,omitempty" json:"guard,omitempty"`
}

// Target returns the destination state.
func (t Transition) Target() string {
	if t.Reentry && t.To == "" {
		return t.From
	}
	return t.To
}

// Guard is a declarative predicate over one trigger argument.
type Guard struct {
	Description string `yaml:"description" json:"description"`
	// Arg is the index of the checked argument.
	Arg   int      `yaml:"arg,omitempty" json:"arg,omitempty"`
	Min   *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max   *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	OneOf []string `yaml:"one_of,omitempty" json:"one_of,omitempty"`
}

// Saga declares a dependency graph of trigger steps.
type Saga struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step fires Trigger on Entity, an entity of Machine.
type Step struct {
	Name       string   `yaml:"name" json:"name"`
	DependsOn  []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Machine    string   `yaml:"machine" json:"machine"`
	Entity     string   `yaml:"entity" json:"entity"`
	Trigger    string   `yaml:"trigger" json:"trigger"`
	Args       []any    `yaml:"args,omitempty" json:"args,omitempty"`
	Compensate string   `yaml:"compensate,omitempty" json:"compensate,omitempty"`
	Timeout    string   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// MaxRetries is unset to use the runtime default; 0 allows one attempt.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// When names a run variable; the step runs only when it is set and not
	// "false".
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Retries maps MaxRetries onto saga.Step.MaxRetries.
func (s Step) Retries() int {
	switch {
	case s.MaxRetries == nil:
		return 0
	case *s.MaxRetries == 0:
		return saga.NoRetries
	default:
		return *s.MaxRetries
	}
}

// TimeoutDuration parses Timeout. An empty Timeout is zero.
func (s Step) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout %q: %w", s.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout %q is negative", s.Timeout)
	}
	return d, nil
}

// Machine returns the named machine.
func (f *File) Machine(name string) (Machine, bool) {
	for _, m := range f.Machines {
		if m.Name == name {
			return m, true
		}
	}
	return Machine{}, false
}

// Saga returns the named saga.
func (f *File) Saga(name string) (Saga, bool) {
	for _, s := range f.Sagas {
		if s.Name == name {
			return s, true
		}
	}
	return Saga{}, false
}
