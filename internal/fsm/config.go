package fsm

// StateConfig configures the transitions and actions of one state.
type StateConfig[S, T comparable] struct {
	m   *Machine[S, T]
	rep *stateRep[S, T]
}

// Permit allows t to move the machine to dest.
func (c *StateConfig[S, T]) Permit(t T, dest S) *StateConfig[S, T] {
	c.m.rep(dest)
	c.rep.rules = append(c.rep.rules, rule[S, T]{trigger: t, dest: dest})
	return c
}

// PermitIf allows t to move the machine to dest while guard holds.
// description is reported when the guard blocks the trigger.
func (c *StateConfig[S, T]) PermitIf(t T, dest S, guard Guard, description string) *StateConfig[S, T] {
	c.m.rep(dest)
	c.rep.rules = append(c.rep.rules, rule[S, T]{
		trigger: t,
		dest:    dest,
		guards:  []guardClause{{fn: guard, description: description}},
	})
	return c
}

// PermitReentry allows t to leave and re-enter the current state, running
// its exit and entry actions.
func (c *StateConfig[S, T]) PermitReentry(t T) *StateConfig[S, T] {
	return c.Permit(t, c.rep.state)
}

// OnEntry registers an action run when the state is entered through Fire.
func (c *StateConfig[S, T]) OnEntry(a Action[S, T]) *StateConfig[S, T] {
	c.rep.entry = append(c.rep.entry, a)
	return c
}

// OnExit registers an action run when the state is left through Fire.
func (c *StateConfig[S, T]) OnExit(a Action[S, T]) *StateConfig[S, T] {
	c.rep.exit = append(c.rep.exit, a)
	return c
}

// State returns the state being configured.
func (c *StateConfig[S, T]) State() S {
	return c.rep.state
}
