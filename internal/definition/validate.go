package definition

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/roach88/statesaga/internal/saga"
)

// Validation error codes.
const (
	ErrNameRequired      = "E201" // machine, saga or step without a name
	ErrDuplicateName     = "E202" // machine or saga declared twice
	ErrInitialRequired   = "E203" // machine without an initial state
	ErrTransitionInvalid = "E204" // transition missing from, trigger or to
	ErrGuardInvalid      = "E205" // guard with a bad argument index or range
	ErrUnknownMachine    = "E206" // step references an undeclared machine
	ErrUnknownTrigger    = "E207" // step fires a trigger the machine never declares
	ErrEntityRequired    = "E208" // step without an entity
	ErrTimeoutInvalid    = "E209" // step timeout is not a duration
	ErrSagaGraph         = "E210" // unknown dependency, duplicate step or cycle
	ErrVersionInvalid    = "E211" // negative machine version
	ErrRetriesInvalid    = "E212" // negative step max_retries
)

// ValidationError is one problem found in a definition file.
type ValidationError struct {
	Path    string   `json:"path"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Pos     Position `json:"position,omitzero"`
}

func (e ValidationError) Error() string {
	prefix := ""
	if e.Pos.IsValid() {
		prefix = e.Pos.String() + ": "
	}
	return fmt.Sprintf("%s[%s] %s: %s", prefix, e.Code, e.Path, e.Message)
}

// ValidationErrors collects every problem of a file.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	lines := make([]string, len(es))
	for i, e := range es {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}

// Validate checks doc and returns every problem found, or nil.
func Validate(doc *Document) ValidationErrors {
	v := &validator{doc: doc}
	v.machines()
	v.sagas()
	if len(v.errs) == 0 {
		return nil
	}
	return v.errs
}

type validator struct {
	doc  *Document
	errs ValidationErrors
}

func (v *validator) add(path, code, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{
		Path:    path,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Pos:     v.doc.Pos(path),
	})
}

func (v *validator) machines() {
	if len(v.doc.Machines) == 0 {
		v.add("machines", ErrNameRequired, "at least one machine is required")
	}
	seen := map[string]bool{}
	for i, m := range v.doc.Machines {
		path := fmt.Sprintf("machines[%d]", i)
		switch {
		case m.Name == "":
			v.add(path+".name", ErrNameRequired, "machine name is required")
		case seen[m.Name]:
			v.add(path+".name", ErrDuplicateName, "machine %q declared more than once", m.Name)
		}
		seen[m.Name] = true
		if m.Initial == "" {
			v.add(path+".initial", ErrInitialRequired, "initial state is required")
		}
		if m.Version < 0 {
			v.add(path+".version", ErrVersionInvalid, "version must not be negative")
		}
		for j, t := range m.Transitions {
			v.transition(fmt.Sprintf("%s.transitions[%d]", path, j), t)
		}
	}
}

func (v *validator) transition(path string, t Transition) {
	if t.From == "" {
		v.add(path+".from", ErrTransitionInvalid, "source state is required")
	}
	if t.Trigger == "" {
		v.add(path+".trigger", ErrTransitionInvalid, "trigger is required")
	}
	if t.Target() == "" {
		v.add(path+".to", ErrTransitionInvalid, "destination state is required")
	}
	if t.Reentry && t.To != "" && t.To != t.From {
		v.add(path+".to", ErrTransitionInvalid, "reentry transition must stay in %q", t.From)
	}
	if g := t.Guard; g != nil {
		gp := path + ".guard"
		if g.Arg < 0 {
			v.add(gp+".arg", ErrGuardInvalid, "argument index must not be negative")
		}
		if g.Min == nil && g.Max == nil && len(g.OneOf) == 0 {
			v.add(gp, ErrGuardInvalid, "guard needs min, max or one_of")
		}
		if g.Min != nil && g.Max != nil && *g.Min > *g.Max {
			v.add(gp, ErrGuardInvalid, "min %g exceeds max %g", *g.Min, *g.Max)
		}
	}
}

func (v *validator) sagas() {
	seen := map[string]bool{}
	for i, s := range v.doc.Sagas {
		path := fmt.Sprintf("sagas[%d]", i)
		switch {
		case s.Name == "":
			v.add(path+".name", ErrNameRequired, "saga name is required")
		case seen[s.Name]:
			v.add(path+".name", ErrDuplicateName, "saga %q declared more than once", s.Name)
		}
		seen[s.Name] = true

		specs := make([]saga.StepSpec, len(s.Steps))
		index := map[string]int{}
		for j, st := range s.Steps {
			v.step(fmt.Sprintf("%s.steps[%d]", path, j), st)
			specs[j] = saga.StepSpec{Name: st.Name, Dependencies: st.DependsOn}
			if _, dup := index[st.Name]; !dup {
				index[st.Name] = j
			}
		}
		_, gerrs := saga.BuildGraph(specs)
		for _, ge := range gerrs {
			at := path + ".steps"
			if j, ok := index[ge.Step]; ok {
				at = fmt.Sprintf("%s.steps[%d]", path, j)
				if ge.Kind == saga.ErrKindUnknownDependency {
					at += ".depends_on"
				}
			}
			v.add(at, ErrSagaGraph, "%s", ge.Error())
		}
	}
}

func (v *validator) step(path string, st Step) {
	if st.Name == "" {
		v.add(path+".name", ErrNameRequired, "step name is required")
	}
	if st.Entity == "" {
		v.add(path+".entity", ErrEntityRequired, "entity is required")
	}
	if _, err := st.TimeoutDuration(); err != nil {
		v.add(path+".timeout", ErrTimeoutInvalid, "%v", err)
	}
	if st.MaxRetries != nil && *st.MaxRetries < 0 {
		v.add(path+".max_retries", ErrRetriesInvalid, "max_retries must not be negative")
	}
	m, ok := v.doc.Machine(st.Machine)
	if !ok {
		v.add(path+".machine", ErrUnknownMachine, "unknown machine %q", st.Machine)
		return
	}
	triggers := m.Triggers()
	if !slices.Contains(triggers, st.Trigger) {
		v.add(path+".trigger", ErrUnknownTrigger, "machine %q has no trigger %q", m.Name, st.Trigger)
	}
	if st.Compensate != "" && !slices.Contains(triggers, st.Compensate) {
		v.add(path+".compensate", ErrUnknownTrigger, "machine %q has no trigger %q", m.Name, st.Compensate)
	}
}

// Variables returns the ${name} references of s.
func Variables(s string) []string {
	var names []string
	os.Expand(s, func(name string) string {
		names = append(names, name)
		return ""
	})
	return names
}
