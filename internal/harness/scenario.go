package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is one executable workflow test.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Definition is the workflow file, relative to the scenario file.
	Definition string `yaml:"definition"`

	// CorrelationID is stamped on every fire and run without its own.
	// Defaults to "scenario-<name>".
	CorrelationID string `yaml:"correlation_id,omitempty"`

	Flow       []FlowStep  `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is either a fire or a saga run.
type FlowStep struct {
	Fire   *FireStep `yaml:"fire,omitempty"`
	Run    *RunStep  `yaml:"run,omitempty"`
	Expect *Expect   `yaml:"expect,omitempty"`
}

// FireStep fires one trigger.
type FireStep struct {
	Machine   string `yaml:"machine"`
	Entity    string `yaml:"entity"`
	Trigger   string `yaml:"trigger"`
	Args      []any  `yaml:"args,omitempty"`
	DedupeKey string `yaml:"dedupe_key,omitempty"`
}

// RunStep executes one saga run.
type RunStep struct {
	Saga string            `yaml:"saga"`
	Vars map[string]string `yaml:"vars,omitempty"`
}

// Expect checks the outcome of a flow step. Unset fields are not checked.
type Expect struct {
	Applied *bool  `yaml:"applied,omitempty"`
	State   string `yaml:"state,omitempty"`
	// Error is an engine error code such as GUARD_FAILED.
	Error  string `yaml:"error,omitempty"`
	Status string `yaml:"status,omitempty"`
}

// Assertion validates the final outcome.
type Assertion struct {
	Type string `yaml:"type"`

	Machine string `yaml:"machine,omitempty"`
	Entity  string `yaml:"entity,omitempty"`
	State   string `yaml:"state,omitempty"`
	Trigger string `yaml:"trigger,omitempty"`
	Count   int    `yaml:"count,omitempty"`

	Run    string `yaml:"run,omitempty"`
	Status string `yaml:"status,omitempty"`

	// Transitions lists "entity:trigger" pairs in expected order.
	Transitions []string `yaml:"transitions,omitempty"`
}

// Assertion types.
const (
	AssertFinalState      = "final_state"
	AssertTransitionCount = "transition_count"
	AssertSagaStatus      = "saga_status"
	AssertTraceOrder      = "trace_order"
	AssertTraceCount      = "trace_count"
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected. The definition path is resolved against the scenario's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if s.Definition != "" && !filepath.IsAbs(s.Definition) {
		s.Definition = filepath.Join(filepath.Dir(path), s.Definition)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Definition == "" {
		return errors.New("definition is required")
	}
	if _, err := os.Stat(s.Definition); err != nil {
		return fmt.Errorf("definition file not found: %s", s.Definition)
	}
	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}
	for i, st := range s.Flow {
		switch {
		case (st.Fire == nil) == (st.Run == nil):
			return fmt.Errorf("flow[%d]: exactly one of fire or run is required", i)
		case st.Fire != nil && (st.Fire.Machine == "" || st.Fire.Entity == "" || st.Fire.Trigger == ""):
			return fmt.Errorf("flow[%d].fire: machine, entity and trigger are required", i)
		case st.Run != nil && st.Run.Saga == "":
			return fmt.Errorf("flow[%d].run: saga is required", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertFinalState:
		if a.Machine == "" || a.Entity == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: machine, entity and state are required for final_state", i)
		}
	case AssertTransitionCount:
		if a.Machine == "" || a.Entity == "" || a.Count < 0 {
			return fmt.Errorf("assertions[%d]: machine, entity and a non-negative count are required for transition_count", i)
		}
	case AssertSagaStatus:
		if a.Run == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: run and status are required for saga_status", i)
		}
	case AssertTraceOrder:
		if len(a.Transitions) == 0 {
			return fmt.Errorf("assertions[%d]: transitions list is required for trace_order", i)
		}
	case AssertTraceCount:
		if a.Trigger == "" || a.Count < 0 {
			return fmt.Errorf("assertions[%d]: trigger and a non-negative count are required for trace_count", i)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
