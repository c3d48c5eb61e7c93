package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestScenarios_Golden(t *testing.T) {
	for _, name := range []string{"checkout_happy", "checkout_compensated"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_States(t *testing.T) {
	result, err := Run(loadScenario(t, "checkout_happy"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"order-1": "paid",
		"order-2": "paid",
		"sku-9":   "shipped",
	}, result.States)
}

func TestRun_FailedExpectations(t *testing.T) {
	s := loadScenario(t, "checkout_happy")
	applied := true
	s.Flow[1].Expect = &Expect{Applied: &applied}
	s.Flow[2].Expect = &Expect{Error: "INVALID_TRANSITION"}
	s.Flow[4].Expect = &Expect{Status: "compensated"}
	s.Assertions = []Assertion{
		{Type: AssertFinalState, Machine: "order", Entity: "order-1", State: "draft"},
		{Type: AssertTraceCount, Trigger: "pay", Count: 5},
		{Type: AssertTraceOrder, Transitions: []string{"sku-9:ship", "order-2:place"}},
		{Type: AssertSagaStatus, Run: "run-9", Status: "completed"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 7)
	assert.Contains(t, result.Errors[0], "expected applied=true")
	assert.Contains(t, result.Errors[1], "expected error INVALID_TRANSITION")
	assert.Contains(t, result.Errors[2], "expected saga status compensated")
	assert.Contains(t, result.Errors[3], "Expected: order-1 in state draft")
	assert.Contains(t, result.Errors[4], "Expected: 5 pay transitions")
	assert.Contains(t, result.Errors[5], "order-2:place not found")
	assert.Contains(t, result.Errors[6], "read run run-9")
}

func TestRun_UnexpectedRejection(t *testing.T) {
	s := loadScenario(t, "checkout_happy")
	s.Flow = []FlowStep{{Fire: &FireStep{Machine: "order", Entity: "order-1", Trigger: "pay", Args: []any{5}}}}
	s.Assertions = nil

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, KindRejected, result.Trace[0].Kind)
	assert.Equal(t, "INVALID_TRANSITION", result.Trace[0].Code)
}

func TestRun_UnknownMachineIsFatal(t *testing.T) {
	s := loadScenario(t, "checkout_happy")
	s.Flow = []FlowStep{{Fire: &FireStep{Machine: "ghost", Entity: "x", Trigger: "go"}}}
	_, err := Run(s)
	assert.ErrorContains(t, err, `unknown machine "ghost"`)
}

func TestMarshalTrace_Deterministic(t *testing.T) {
	s := loadScenario(t, "checkout_compensated")
	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalTrace(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalTrace(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestLoadScenario_Errors(t *testing.T) {
	dir := t.TempDir()
	def, err := filepath.Abs("testdata/workflows/checkout.yaml")
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", "name: x\nflows: []\n", "failed to parse YAML"},
		{"no name", "definition: " + def + "\nflow: [{fire: {machine: m, entity: e, trigger: t}}]\n", "name is required"},
		{"no definition", "name: x\nflow: []\n", "definition is required"},
		{"missing definition", "name: x\ndefinition: nope.yaml\nflow: []\n", "definition file not found"},
		{"empty flow", "name: x\ndefinition: " + def + "\n", "flow list is required"},
		{"both fire and run", "name: x\ndefinition: " + def + "\nflow: [{fire: {machine: m, entity: e, trigger: t}, run: {saga: s}}]\n", "exactly one of fire or run"},
		{"incomplete fire", "name: x\ndefinition: " + def + "\nflow: [{fire: {machine: m}}]\n", "machine, entity and trigger are required"},
		{"bad assertion", "name: x\ndefinition: " + def + "\nflow: [{run: {saga: s}}]\nassertions: [{type: vibes}]\n", `unknown assertion type "vibes"`},
		{"incomplete assertion", "name: x\ndefinition: " + def + "\nflow: [{run: {saga: s}}]\nassertions: [{type: saga_status}]\n", "run and status are required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "s.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := LoadScenario(path)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
