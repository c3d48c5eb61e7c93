package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrigger1_GuardReceivesTypedArgument(t *testing.T) {
	deposit := NewTrigger1[string, int]("deposit")
	m := NewMachine[string, string]("open")
	PermitIf1(m.Configure("open"), deposit, "funded", func(amount int) bool { return amount > 0 }, "positive amount")

	assert.False(t, m.CanFire("deposit", 0))
	assert.True(t, m.CanFire("deposit", 10))

	ok, unmet := m.CanFireWithReasons("deposit", "ten")
	assert.False(t, ok)
	assert.Contains(t, unmet, "arguments ([int])")

	_, err := m.Fire(context.Background(), deposit.Trigger(), deposit.Args(5)...)
	require.NoError(t, err)
	assert.Equal(t, "funded", m.State())
}

func TestTrigger1_ArityChecked(t *testing.T) {
	assign := NewTrigger1[string, string]("assign")
	m := NewMachine[string, string]("new")
	Permit1(m.Configure("new"), assign, "assigned")

	assert.False(t, m.CanFire("assign"))
	assert.False(t, m.CanFire("assign", "a", "b"))
	assert.True(t, m.CanFire("assign", "alice"))
}

func TestTrigger2And3_Params(t *testing.T) {
	move := NewTrigger2[string, int, int]("move")
	tag := NewTrigger3[string, string, int, bool]("tag")
	m := NewMachine[string, string]("idle")
	Permit2(m.Configure("idle"), move, "moving")
	PermitIf3(m.Configure("idle"), tag, "tagged", func(s string, n int, b bool) bool { return b }, "flag set")

	p, ok := m.Params("move")
	require.True(t, ok)
	assert.Equal(t, ParamInfo{Arity: 2, Types: []string{"int", "int"}}, p)

	p, ok = m.Params("tag")
	require.True(t, ok)
	assert.Equal(t, []string{"string", "int", "bool"}, p.Types)

	assert.True(t, m.CanFire("move", 1, 2))
	assert.False(t, m.CanFire("move", 1, "2"))
	assert.True(t, m.CanFire("tag", tag.Args("x", 1, true)...))
	assert.False(t, m.CanFire("tag", tag.Args("x", 1, false)...))
}

func TestTyped_ListedWithoutArgs(t *testing.T) {
	deposit := NewTrigger1[string, int]("deposit")
	m := NewMachine[string, string]("open")
	PermitIf1(m.Configure("open"), deposit, "funded", func(amount int) bool { return amount > 0 }, "positive amount")
	m.Configure("open").PermitIf("close", "closed", func([]any) bool { return false }, "never")

	assert.Equal(t, []string{"deposit"}, m.PermittedTriggers())
	assert.Empty(t, m.PermittedTriggers(-1))

	details := m.PermittedDetails()
	require.Len(t, details, 1)
	require.NotNil(t, details[0].Params)
	assert.Equal(t, 1, details[0].Params.Arity)
}
