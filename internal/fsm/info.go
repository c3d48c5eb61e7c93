package fsm

// Info is a static description of a machine, used by the CLI graph command
// and by DetailedPermittedTriggers.
type Info[S, T comparable] struct {
	Initial S
	Current S
	Version int
	States  []StateInfo[S, T]
}

// StateInfo describes one configured state.
type StateInfo[S, T comparable] struct {
	State       S
	Transitions []TransitionInfo[S, T]
	EntryCount  int
	ExitCount   int
}

// TransitionInfo describes one configured transition.
type TransitionInfo[S, T comparable] struct {
	Trigger     T
	Destination S
	Guards      []string
	Params      *ParamInfo
}

// Info returns the machine's configuration in declaration order.
func (m *Machine[S, T]) Info() Info[S, T] {
	info := Info[S, T]{
		Initial: m.initial,
		Current: m.state,
		Version: m.version,
	}
	for _, s := range m.order {
		rep := m.states[s]
		si := StateInfo[S, T]{State: s, EntryCount: len(rep.entry), ExitCount: len(rep.exit)}
		for _, r := range rep.rules {
			si.Transitions = append(si.Transitions, m.transitionInfo(r))
		}
		info.States = append(info.States, si)
	}
	return info
}

// PermittedDetails describes the transitions currently firable with args.
func (m *Machine[S, T]) PermittedDetails(args ...any) []TransitionInfo[S, T] {
	var out []TransitionInfo[S, T]
	seen := make(map[T]bool)
	for _, r := range m.states[m.state].rules {
		if seen[r.trigger] || !r.listable(args) {
			continue
		}
		seen[r.trigger] = true
		out = append(out, m.transitionInfo(r))
	}
	return out
}

func (m *Machine[S, T]) transitionInfo(r rule[S, T]) TransitionInfo[S, T] {
	ti := TransitionInfo[S, T]{Trigger: r.trigger, Destination: r.dest}
	for _, g := range r.guards {
		ti.Guards = append(ti.Guards, g.description)
	}
	if p, ok := m.params[r.trigger]; ok {
		ti.Params = &p
	}
	return ti
}
