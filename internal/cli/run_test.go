package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesaga/internal/ir"
	"github.com/roach88/statesaga/internal/saga"
)

func runCheckout(t *testing.T, db string, extra ...string) (string, error) {
	t.Helper()
	return runCheckoutFor(t, db, "7", "3", extra...)
}

// runCheckoutFor runs the checkout saga on order-<order> and sku-<sku>.
func runCheckoutFor(t *testing.T, db, order, sku string, extra ...string) (string, error) {
	t.Helper()
	args := append([]string{"run", "testdata/checkout.yaml", "--db", db, "--var", "order=" + order, "--var", "sku=" + sku}, extra...)
	return execute(t, args...)
}

func TestRun_Completes(t *testing.T) {
	db := tempDB(t)
	out, err := runCheckout(t, db, "--var", "amount=20", "--var", "express=true")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ saga checkout completed")
	assert.Contains(t, out, "✓ ship (1 attempt(s))")
	assert.NotContains(t, out, "not run")

	out, err = execute(t, "state", "testdata/checkout.yaml", "--db", db, "--machine", "stock", "--entity", "sku-3")
	require.NoError(t, err)
	assert.Contains(t, out, "sku-3 (stock): shipped")
}

func TestRun_CompensatesJSON(t *testing.T) {
	db := tempDB(t)
	out, err := runCheckout(t, db, "--var", "amount=0", "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string      `json:"status"`
		Data   saga.Result `json:"data"`
		Error  CLIError    `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeSaga, resp.Error.Code)
	assert.Equal(t, saga.StatusCompensated, resp.Data.Status)
	assert.True(t, resp.Data.Compensated)
	assert.Empty(t, resp.Data.Skipped)
	assert.Equal(t, []string{"ship"}, resp.Data.NotRun)
	assert.Len(t, resp.Data.Compensations, 2)

	out, err = execute(t, "state", "testdata/checkout.yaml", "--db", db, "--machine", "order", "--entity", "order-7")
	require.NoError(t, err)
	assert.Contains(t, out, "order-7 (order): cancelled")
}

func TestRun_MissingVars(t *testing.T) {
	_, err := execute(t, "run", "testdata/checkout.yaml", "--db", tempDB(t), "--var", "order=1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "missing variables")
}

func TestRun_BadVar(t *testing.T) {
	_, err := execute(t, "run", "testdata/checkout.yaml", "--db", tempDB(t), "--var", "order")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"a=1", "b=x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, "1", vars["a"])
	assert.Equal(t, "x=y", vars["b"])
	assert.Equal(t, "", vars["c"])

	_, err = parseVars([]string{"=1"})
	assert.Error(t, err)
}

func TestHistory(t *testing.T) {
	db := tempDB(t)
	_, err := runCheckout(t, db, "--var", "amount=20", "--correlation-id", "order-flow-7")
	require.NoError(t, err)
	// Fresh entities: order-7 is already paid and sku-3 reserved.
	_, err = runCheckoutFor(t, db, "8", "4", "--var", "amount=0")
	require.Error(t, err)

	out, err := execute(t, "history", "--db", db, "--format", "json")
	require.NoError(t, err)
	var list struct {
		Data []ir.SagaRunRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Data, 2)
	statuses := []string{list.Data[0].Status, list.Data[1].Status}
	assert.ElementsMatch(t, []string{"completed", "compensated"}, statuses)

	var completed ir.SagaRunRecord
	for _, r := range list.Data {
		if r.Status == "completed" {
			completed = r
		}
	}
	assert.Equal(t, "order-flow-7", completed.CorrelationID)
	require.NotNil(t, completed.CompletedAt)

	out, err = execute(t, "history", "--db", db, "--run", completed.RunID, "--format", "json")
	require.NoError(t, err)
	var one struct {
		Data RunHistory `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &one))
	assert.Equal(t, completed.RunID, one.Data.Run.RunID)
	steps := make([]string, 0, len(one.Data.Steps))
	for _, rec := range one.Data.Steps {
		assert.Equal(t, ir.StepKindExecute, rec.Kind)
		steps = append(steps, rec.Step)
	}
	// ship is skipped without the express variable.
	assert.ElementsMatch(t, []string{"place", "reserve", "pay"}, steps)

	out, err = execute(t, "history", "--db", db, "--run", completed.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "saga checkout completed")
	assert.Contains(t, out, "correlation: order-flow-7")
}

func TestHistory_UnknownRun(t *testing.T) {
	out, err := execute(t, "history", "--db", tempDB(t), "--run", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, CodeNotFound)
}

func TestHistory_Empty(t *testing.T) {
	out, err := execute(t, "history", "--db", tempDB(t))
	require.NoError(t, err)
	assert.Contains(t, out, "No saga runs found.")
}
