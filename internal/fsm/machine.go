package fsm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotPermitted is returned when no transition is configured for a trigger
// in the current state.
var ErrNotPermitted = errors.New("trigger not permitted in current state")

// GuardError is returned when transitions exist for a trigger but none of
// them has all guards satisfied.
type GuardError struct {
	Trigger string
	Unmet   []string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guards not met for trigger %s: %v", e.Trigger, e.Unmet)
}

// ActionError wraps a failing entry or exit action.
type ActionError struct {
	Phase string // "exit" or "entry"
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action failed: %v", e.Phase, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Guard decides whether a transition may be taken for the given arguments.
type Guard func(args []any) bool

// Action is an entry or exit side effect.
type Action[S, T comparable] func(ctx context.Context, t Transition[S, T], args []any) error

// Transition describes one resolved move of the machine.
type Transition[S, T comparable] struct {
	Source      S
	Destination S
	Trigger     T
}

// IsReentry reports whether the transition leaves and re-enters the same state.
func (t Transition[S, T]) IsReentry() bool {
	return t.Source == t.Destination
}

type guardClause struct {
	fn          Guard
	description string
}

type rule[S, T comparable] struct {
	trigger T
	dest    S
	guards  []guardClause
	typed   bool
}

// listable reports whether r belongs in a permitted-trigger listing. Typed
// rules cannot be evaluated without arguments, so a listing made without
// arguments includes them.
func (r rule[S, T]) listable(args []any) bool {
	if r.typed && len(args) == 0 {
		return true
	}
	return len(r.unmet(args)) == 0
}

// unmet returns the descriptions of guards that reject args.
func (r rule[S, T]) unmet(args []any) []string {
	var out []string
	for _, g := range r.guards {
		if !g.fn(args) {
			out = append(out, g.description)
		}
	}
	return out
}

type stateRep[S, T comparable] struct {
	state S
	rules []rule[S, T]
	entry []Action[S, T]
	exit  []Action[S, T]
}

type config struct {
	version int
}

// Option configures a Machine.
type Option func(*config)

// WithVersion sets the definition version recorded on every emitted event.
// Bump it whenever the transition table changes incompatibly.
func WithVersion(v int) Option {
	return func(c *config) {
		c.version = v
	}
}

// Machine is a finite-state machine over states S and triggers T.
type Machine[S, T comparable] struct {
	initial S
	state   S
	version int
	states  map[S]*stateRep[S, T]
	order   []S // configuration order, for deterministic introspection
	params  map[T]ParamInfo
}

// NewMachine creates a machine positioned at initial.
func NewMachine[S, T comparable](initial S, opts ...Option) *Machine[S, T] {
	cfg := config{version: 1}
	for _, opt := range opts {
		opt(&cfg)
	}
	m := &Machine[S, T]{
		initial: initial,
		state:   initial,
		version: cfg.version,
		states:  make(map[S]*stateRep[S, T]),
		params:  make(map[T]ParamInfo),
	}
	m.rep(initial)
	return m
}

func (m *Machine[S, T]) rep(s S) *stateRep[S, T] {
	r, ok := m.states[s]
	if !ok {
		r = &stateRep[S, T]{state: s}
		m.states[s] = r
		m.order = append(m.order, s)
	}
	return r
}

// Configure returns the configuration handle for state s.
func (m *Machine[S, T]) Configure(s S) *StateConfig[S, T] {
	return &StateConfig[S, T]{m: m, rep: m.rep(s)}
}

// State returns the current state.
func (m *Machine[S, T]) State() S {
	return m.state
}

// Initial returns the state the machine was created in.
func (m *Machine[S, T]) Initial() S {
	return m.initial
}

// Version returns the definition version.
func (m *Machine[S, T]) Version() int {
	return m.version
}

// SetState moves the machine to s without evaluating guards or running
// actions. It is the restoration primitive used by snapshot load and replay.
func (m *Machine[S, T]) SetState(s S) {
	m.rep(s)
	m.state = s
}

// resolve finds the first rule for t whose guards all pass. When rules exist
// but all are blocked, the union of unmet guard descriptions is returned.
func (m *Machine[S, T]) resolve(t T, args []any) (rule[S, T], []string, bool) {
	var unmet []string
	seen := make(map[string]bool)
	for _, r := range m.states[m.state].rules {
		if r.trigger != t {
			continue
		}
		missing := r.unmet(args)
		if len(missing) == 0 {
			return r, nil, true
		}
		for _, d := range missing {
			if !seen[d] {
				seen[d] = true
				unmet = append(unmet, d)
			}
		}
	}
	return rule[S, T]{}, unmet, false
}

func (m *Machine[S, T]) configured(t T) bool {
	for _, r := range m.states[m.state].rules {
		if r.trigger == t {
			return true
		}
	}
	return false
}

// CanFire reports whether t can be fired from the current state with args.
func (m *Machine[S, T]) CanFire(t T, args ...any) bool {
	_, _, ok := m.resolve(t, args)
	return ok
}

// CanFireWithReasons is CanFire plus the descriptions of the guards that
// block t. A trigger with no transition at all reports no guard reasons.
func (m *Machine[S, T]) CanFireWithReasons(t T, args ...any) (bool, []string) {
	_, unmet, ok := m.resolve(t, args)
	return ok, unmet
}

// UnmetGuards returns the descriptions of guards currently blocking t.
func (m *Machine[S, T]) UnmetGuards(t T, args ...any) []string {
	_, unmet, _ := m.resolve(t, args)
	return unmet
}

// PermittedTriggers returns the triggers that can fire from the current
// state with args, in configuration order. Without args, triggers declared
// through typed descriptors are listed unevaluated.
func (m *Machine[S, T]) PermittedTriggers(args ...any) []T {
	var out []T
	seen := make(map[T]bool)
	for _, r := range m.states[m.state].rules {
		if seen[r.trigger] {
			continue
		}
		if r.listable(args) {
			seen[r.trigger] = true
			out = append(out, r.trigger)
		}
	}
	return out
}

// ConfiguredTriggers returns every trigger with a transition out of the
// current state, whether or not its guards currently pass.
func (m *Machine[S, T]) ConfiguredTriggers() []T {
	var out []T
	seen := make(map[T]bool)
	for _, r := range m.states[m.state].rules {
		if !seen[r.trigger] {
			seen[r.trigger] = true
			out = append(out, r.trigger)
		}
	}
	return out
}

// Next resolves the transition t would take without changing state.
// It returns ErrNotPermitted or a *GuardError when t cannot fire.
func (m *Machine[S, T]) Next(t T, args ...any) (Transition[S, T], error) {
	r, unmet, ok := m.resolve(t, args)
	if !ok {
		if !m.configured(t) {
			return Transition[S, T]{}, ErrNotPermitted
		}
		return Transition[S, T]{}, &GuardError{Trigger: fmt.Sprint(t), Unmet: unmet}
	}
	return Transition[S, T]{Source: m.state, Destination: r.dest, Trigger: t}, nil
}

// Apply performs a resolved transition: exit actions of the source, the state
// change, then entry actions of the destination. If an action fails the
// machine is left in the source state.
func (m *Machine[S, T]) Apply(ctx context.Context, tr Transition[S, T], args ...any) error {
	for _, a := range m.states[tr.Source].exit {
		if err := a(ctx, tr, args); err != nil {
			return &ActionError{Phase: "exit", Err: err}
		}
	}
	m.state = tr.Destination
	for _, a := range m.rep(tr.Destination).entry {
		if err := a(ctx, tr, args); err != nil {
			m.state = tr.Source
			return &ActionError{Phase: "entry", Err: err}
		}
	}
	return nil
}

// Fire resolves and applies t.
func (m *Machine[S, T]) Fire(ctx context.Context, t T, args ...any) (Transition[S, T], error) {
	tr, err := m.Next(t, args...)
	if err != nil {
		return tr, err
	}
	if err := m.Apply(ctx, tr, args...); err != nil {
		return tr, err
	}
	return tr, nil
}

// Params returns the parameter shape registered for t by a typed descriptor.
func (m *Machine[S, T]) Params(t T) (ParamInfo, bool) {
	p, ok := m.params[t]
	return p, ok
}
