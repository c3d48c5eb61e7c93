package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phoneState string
type phoneTrigger string

const (
	offHook   phoneState = "OffHook"
	ringing   phoneState = "Ringing"
	connected phoneState = "Connected"
	onHold    phoneState = "OnHold"

	callDialed    phoneTrigger = "CallDialed"
	callConnected phoneTrigger = "CallConnected"
	hangUp        phoneTrigger = "HangUp"
	placeOnHold   phoneTrigger = "PlaceOnHold"
	resume        phoneTrigger = "Resume"
	refresh       phoneTrigger = "Refresh"
)

func newPhone(allowHold *bool) *Machine[phoneState, phoneTrigger] {
	m := NewMachine[phoneState, phoneTrigger](offHook, WithVersion(2))
	m.Configure(offHook).Permit(callDialed, ringing)
	m.Configure(ringing).
		Permit(callConnected, connected).
		Permit(hangUp, offHook)
	m.Configure(connected).
		PermitIf(placeOnHold, onHold, func([]any) bool { return *allowHold }, "hold enabled").
		Permit(hangUp, offHook).
		PermitReentry(refresh)
	m.Configure(onHold).Permit(resume, connected)
	return m
}

func TestMachine_FireFollowsTable(t *testing.T) {
	allow := true
	m := newPhone(&allow)
	ctx := context.Background()

	tr, err := m.Fire(ctx, callDialed)
	require.NoError(t, err)
	assert.Equal(t, Transition[phoneState, phoneTrigger]{Source: offHook, Destination: ringing, Trigger: callDialed}, tr)

	_, err = m.Fire(ctx, callConnected)
	require.NoError(t, err)
	assert.Equal(t, connected, m.State())
	assert.Equal(t, 2, m.Version())
	assert.Equal(t, offHook, m.Initial())
}

func TestMachine_NotPermitted(t *testing.T) {
	allow := true
	m := newPhone(&allow)

	_, err := m.Fire(context.Background(), hangUp)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.Equal(t, offHook, m.State())
	assert.False(t, m.CanFire(hangUp))
}

func TestMachine_GuardBlocks(t *testing.T) {
	allow := false
	m := newPhone(&allow)
	m.SetState(connected)

	ok, unmet := m.CanFireWithReasons(placeOnHold)
	assert.False(t, ok)
	assert.Equal(t, []string{"hold enabled"}, unmet)

	_, err := m.Fire(context.Background(), placeOnHold)
	var ge *GuardError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "PlaceOnHold", ge.Trigger)
	assert.Equal(t, []string{"hold enabled"}, ge.Unmet)

	allow = true
	assert.True(t, m.CanFire(placeOnHold))
}

func TestMachine_PermittedTriggersInConfigurationOrder(t *testing.T) {
	allow := false
	m := newPhone(&allow)
	m.SetState(connected)
	assert.Equal(t, []phoneTrigger{hangUp, refresh}, m.PermittedTriggers())
	assert.Equal(t, []phoneTrigger{placeOnHold, hangUp, refresh}, m.ConfiguredTriggers())

	allow = true
	assert.Equal(t, []phoneTrigger{placeOnHold, hangUp, refresh}, m.PermittedTriggers())
}

func TestMachine_FirstPassingRuleWins(t *testing.T) {
	m := NewMachine[string, string]("a")
	m.Configure("a").
		PermitIf("go", "b", func(args []any) bool { return len(args) > 0 && args[0] == "left" }, "left").
		PermitIf("go", "c", func(args []any) bool { return len(args) > 0 && args[0] == "right" }, "right")

	tr, err := m.Next("go", "right")
	require.NoError(t, err)
	assert.Equal(t, "c", tr.Destination)
	assert.Equal(t, "a", m.State(), "Next must not change state")

	_, unmet := m.CanFireWithReasons("go", "up")
	assert.Equal(t, []string{"left", "right"}, unmet)
}

func TestMachine_SetStateSkipsActions(t *testing.T) {
	calls := 0
	m := NewMachine[string, string]("a")
	m.Configure("a").Permit("go", "b")
	m.Configure("b").OnEntry(func(context.Context, Transition[string, string], []any) error {
		calls++
		return nil
	})

	m.SetState("b")
	assert.Equal(t, "b", m.State())
	assert.Zero(t, calls)

	m.SetState("a")
	_, err := m.Fire(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestMachine_ActionsRunInOrder(t *testing.T) {
	var log []string
	record := func(s string) Action[string, string] {
		return func(_ context.Context, tr Transition[string, string], args []any) error {
			log = append(log, s)
			return nil
		}
	}
	m := NewMachine[string, string]("a")
	m.Configure("a").Permit("go", "b").OnExit(record("exit a"))
	m.Configure("b").OnEntry(record("enter b"))

	_, err := m.Fire(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"exit a", "enter b"}, log)
}

func TestMachine_EntryFailureRestoresSource(t *testing.T) {
	boom := errors.New("boom")
	m := NewMachine[string, string]("a")
	m.Configure("a").Permit("go", "b")
	m.Configure("b").OnEntry(func(context.Context, Transition[string, string], []any) error {
		return boom
	})

	_, err := m.Fire(context.Background(), "go")
	var ae *ActionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "entry", ae.Phase)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "a", m.State())
}

func TestMachine_ReentryRunsExitAndEntry(t *testing.T) {
	allow := true
	m := newPhone(&allow)
	m.SetState(connected)
	entries := 0
	m.Configure(connected).OnEntry(func(_ context.Context, tr Transition[phoneState, phoneTrigger], _ []any) error {
		if tr.IsReentry() {
			entries++
		}
		return nil
	})

	_, err := m.Fire(context.Background(), refresh)
	require.NoError(t, err)
	assert.Equal(t, 1, entries)
	assert.Equal(t, connected, m.State())
}

func TestMachine_Info(t *testing.T) {
	allow := true
	m := newPhone(&allow)
	info := m.Info()

	assert.Equal(t, offHook, info.Initial)
	assert.Equal(t, 2, info.Version)
	require.Len(t, info.States, 4)
	assert.Equal(t, []phoneState{offHook, ringing, connected, onHold},
		[]phoneState{info.States[0].State, info.States[1].State, info.States[2].State, info.States[3].State})

	conn := info.States[2]
	require.Len(t, conn.Transitions, 3)
	assert.Equal(t, placeOnHold, conn.Transitions[0].Trigger)
	assert.Equal(t, []string{"hold enabled"}, conn.Transitions[0].Guards)
	assert.Nil(t, conn.Transitions[0].Params)
}

func TestMachine_UnmetGuards(t *testing.T) {
	allow := false
	m := newPhone(&allow)
	m.SetState(connected)
	assert.Equal(t, []string{"hold enabled"}, m.UnmetGuards(placeOnHold))
	assert.Empty(t, m.UnmetGuards(hangUp))
}
