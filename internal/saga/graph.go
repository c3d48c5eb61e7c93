package saga

import (
	"fmt"
	"slices"
	"strings"
)

// StepSpec is the part of a step definition the graph is built from.
type StepSpec struct {
	Name         string
	Dependencies []string
}

// GraphErrorKind classifies graph validation errors.
type GraphErrorKind string

const (
	ErrKindEmptyName         GraphErrorKind = "empty_name"
	ErrKindDuplicateStep     GraphErrorKind = "duplicate_step"
	ErrKindUnknownDependency GraphErrorKind = "unknown_dependency"
	ErrKindCycle             GraphErrorKind = "cycle"
)

// GraphError is one validation error found while building a graph.
type GraphError struct {
	Kind       GraphErrorKind `json:"kind"`
	Step       string         `json:"step,omitempty"`
	Dependency string         `json:"dependency,omitempty"`
	// Path follows dependency edges and starts and ends at the same step.
	Path []string `json:"path,omitempty"`
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case ErrKindEmptyName:
		return "step has an empty name"
	case ErrKindDuplicateStep:
		return fmt.Sprintf("duplicate step %q", e.Step)
	case ErrKindUnknownDependency:
		return fmt.Sprintf("step %q depends on unknown step %q", e.Step, e.Dependency)
	case ErrKindCycle:
		return "dependency cycle: " + strings.Join(e.Path, " -> ")
	}
	return string(e.Kind)
}

// Graph is the immutable execution graph of a saga. Steps sharing a level
// are independent of each other; levels run in ascending order.
type Graph struct {
	order      []string
	deps       map[string][]string
	dependents map[string][]string
	level      map[string]int
	levels     [][]string
}

// BuildGraph validates specs and computes execution levels. All validation
// errors are returned together; the graph is nil when there are any.
//
// level(step) is 0 without dependencies and 1 + the maximum level of its
// dependencies otherwise. Within a level steps keep declaration order.
func BuildGraph(specs []StepSpec) (*Graph, []*GraphError) {
	var errs []*GraphError
	g := &Graph{
		deps:       make(map[string][]string, len(specs)),
		dependents: make(map[string][]string, len(specs)),
		level:      make(map[string]int, len(specs)),
	}

	for _, s := range specs {
		switch {
		case s.Name == "":
			errs = append(errs, &GraphError{Kind: ErrKindEmptyName})
			continue
		case slices.Contains(g.order, s.Name):
			errs = append(errs, &GraphError{Kind: ErrKindDuplicateStep, Step: s.Name})
			continue
		}
		g.order = append(g.order, s.Name)
		var deps []string
		for _, d := range s.Dependencies {
			if !slices.Contains(deps, d) {
				deps = append(deps, d)
			}
		}
		g.deps[s.Name] = deps
	}

	for _, name := range g.order {
		for _, d := range g.deps[name] {
			if _, ok := g.deps[d]; !ok {
				errs = append(errs, &GraphError{Kind: ErrKindUnknownDependency, Step: name, Dependency: d})
				continue
			}
			g.dependents[d] = append(g.dependents[d], name)
		}
	}

	errs = append(errs, g.findCycles()...)
	if len(errs) > 0 {
		return nil, errs
	}

	for _, name := range g.order {
		g.assignLevel(name)
	}
	for _, name := range g.order {
		l := g.level[name]
		for len(g.levels) <= l {
			g.levels = append(g.levels, nil)
		}
		g.levels[l] = append(g.levels[l], name)
	}
	return g, nil
}

// findCycles runs a DFS with a visiting marker. Every back edge to a step
// on the current DFS stack is reported as a cycle.
func (g *Graph) findCycles() []*GraphError {
	const (
		unvisited = iota
		visiting
		done
	)
	var (
		errs  []*GraphError
		color = make(map[string]int, len(g.order))
		stack []string
	)
	var visit func(string)
	visit = func(n string) {
		color[n] = visiting
		stack = append(stack, n)
		for _, d := range g.deps[n] {
			if _, known := g.deps[d]; !known {
				continue
			}
			switch color[d] {
			case unvisited:
				visit(d)
			case visiting:
				start := slices.Index(stack, d)
				path := append(slices.Clone(stack[start:]), d)
				errs = append(errs, &GraphError{Kind: ErrKindCycle, Step: d, Path: path})
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = done
	}
	for _, n := range g.order {
		if color[n] == unvisited {
			visit(n)
		}
	}
	return errs
}

func (g *Graph) assignLevel(name string) int {
	if l, ok := g.level[name]; ok {
		return l
	}
	l := 0
	for _, d := range g.deps[name] {
		l = max(l, g.assignLevel(d)+1)
	}
	g.level[name] = l
	return l
}

// Steps returns the step names in declaration order.
func (g *Graph) Steps() []string {
	return slices.Clone(g.order)
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.order)
}

// Levels returns the execution levels.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = slices.Clone(l)
	}
	return out
}

// Level returns the level of a step.
func (g *Graph) Level(name string) (int, bool) {
	l, ok := g.level[name]
	return l, ok
}

// Dependencies returns the direct dependencies of a step.
func (g *Graph) Dependencies(name string) []string {
	return slices.Clone(g.deps[name])
}

// Dependents returns the steps that directly depend on name.
func (g *Graph) Dependents(name string) []string {
	return slices.Clone(g.dependents[name])
}

// MaxParallelism is the size of the largest level.
func (g *Graph) MaxParallelism() int {
	n := 0
	for _, l := range g.levels {
		n = max(n, len(l))
	}
	return n
}

// CriticalPathLength is the number of levels.
func (g *Graph) CriticalPathLength() int {
	return len(g.levels)
}

// EntryPoints is the number of steps without dependencies.
func (g *Graph) EntryPoints() int {
	if len(g.levels) == 0 {
		return 0
	}
	return len(g.levels[0])
}

// CriticalPath returns one longest dependency chain, from an entry point to
// a step on the last level. Ties resolve to the earliest declared step.
func (g *Graph) CriticalPath() []string {
	if len(g.levels) == 0 {
		return nil
	}
	path := []string{g.levels[len(g.levels)-1][0]}
	for cur := path[0]; g.level[cur] > 0; {
		for _, d := range g.deps[cur] {
			if g.level[d] == g.level[cur]-1 {
				cur = d
				break
			}
		}
		path = append(path, cur)
	}
	slices.Reverse(path)
	return path
}
