package fsm

import (
	"fmt"
	"reflect"
)

// ParamInfo describes the arguments a parameterized trigger expects.
type ParamInfo struct {
	Arity int
	Types []string
}

// Descriptor is implemented by the typed trigger descriptors.
type Descriptor[T comparable] interface {
	Trigger() T
	Params() ParamInfo
}

func typeName[A any]() string {
	return reflect.TypeFor[A]().String()
}

func arg[A any](args []any, i int) (A, bool) {
	var zero A
	if i >= len(args) {
		return zero, false
	}
	if args[i] == nil {
		return zero, reflect.TypeFor[A]().Kind() == reflect.Interface
	}
	v, ok := args[i].(A)
	return v, ok
}

func shapeGuard(p ParamInfo, check func([]any) bool) guardClause {
	return guardClause{
		fn: func(args []any) bool {
			return len(args) == p.Arity && check(args)
		},
		description: fmt.Sprintf("arguments (%v)", p.Types),
	}
}

// Trigger1 is a trigger that takes one argument of type A.
type Trigger1[T comparable, A any] struct {
	trigger T
}

// NewTrigger1 declares a one-argument trigger.
func NewTrigger1[T comparable, A any](t T) Trigger1[T, A] {
	return Trigger1[T, A]{trigger: t}
}

func (d Trigger1[T, A]) Trigger() T { return d.trigger }

func (d Trigger1[T, A]) Params() ParamInfo {
	return ParamInfo{Arity: 1, Types: []string{typeName[A]()}}
}

// Args packs a into the argument slice the machine consumes.
func (d Trigger1[T, A]) Args(a A) []any { return []any{a} }

func (d Trigger1[T, A]) shape() guardClause {
	return shapeGuard(d.Params(), func(args []any) bool {
		_, ok := arg[A](args, 0)
		return ok
	})
}

// Trigger2 is a trigger that takes two arguments.
type Trigger2[T comparable, A, B any] struct {
	trigger T
}

// NewTrigger2 declares a two-argument trigger.
func NewTrigger2[T comparable, A, B any](t T) Trigger2[T, A, B] {
	return Trigger2[T, A, B]{trigger: t}
}

func (d Trigger2[T, A, B]) Trigger() T { return d.trigger }

func (d Trigger2[T, A, B]) Params() ParamInfo {
	return ParamInfo{Arity: 2, Types: []string{typeName[A](), typeName[B]()}}
}

func (d Trigger2[T, A, B]) Args(a A, b B) []any { return []any{a, b} }

func (d Trigger2[T, A, B]) shape() guardClause {
	return shapeGuard(d.Params(), func(args []any) bool {
		_, okA := arg[A](args, 0)
		_, okB := arg[B](args, 1)
		return okA && okB
	})
}

// Trigger3 is a trigger that takes three arguments.
type Trigger3[T comparable, A, B, C any] struct {
	trigger T
}

// NewTrigger3 declares a three-argument trigger.
func NewTrigger3[T comparable, A, B, C any](t T) Trigger3[T, A, B, C] {
	return Trigger3[T, A, B, C]{trigger: t}
}

func (d Trigger3[T, A, B, C]) Trigger() T { return d.trigger }

func (d Trigger3[T, A, B, C]) Params() ParamInfo {
	return ParamInfo{Arity: 3, Types: []string{typeName[A](), typeName[B](), typeName[C]()}}
}

func (d Trigger3[T, A, B, C]) Args(a A, b B, c C) []any { return []any{a, b, c} }

func (d Trigger3[T, A, B, C]) shape() guardClause {
	return shapeGuard(d.Params(), func(args []any) bool {
		_, okA := arg[A](args, 0)
		_, okB := arg[B](args, 1)
		_, okC := arg[C](args, 2)
		return okA && okB && okC
	})
}

func (c *StateConfig[S, T]) permitTyped(t T, dest S, p ParamInfo, guards ...guardClause) *StateConfig[S, T] {
	c.m.rep(dest)
	c.m.params[t] = p
	c.rep.rules = append(c.rep.rules, rule[S, T]{trigger: t, dest: dest, guards: guards, typed: true})
	return c
}

// Permit1 allows d to move the machine to dest when fired with one argument
// of type A.
func Permit1[S, T comparable, A any](c *StateConfig[S, T], d Trigger1[T, A], dest S) *StateConfig[S, T] {
	return c.permitTyped(d.Trigger(), dest, d.Params(), d.shape())
}

// PermitIf1 is Permit1 with a typed guard.
func PermitIf1[S, T comparable, A any](c *StateConfig[S, T], d Trigger1[T, A], dest S, guard func(A) bool, description string) *StateConfig[S, T] {
	return c.permitTyped(d.Trigger(), dest, d.Params(), d.shape(), guardClause{
		fn: func(args []any) bool {
			a, ok := arg[A](args, 0)
			return ok && guard(a)
		},
		description: description,
	})
}

func Permit2[S, T comparable, A, B any](c *StateConfig[S, T], d Trigger2[T, A, B], dest S) *StateConfig[S, T] {
	return c.permitTyped(d.Trigger(), dest, d.Params(), d.shape())
}

func PermitIf2[S, T comparable, A, B any](c *StateConfig[S, T], d Trigger2[T, A, B], dest S, guard func(A, B) bool, description string) *StateConfig[S, T] {
	return c.permitTyped(d.Trigger(), dest, d.Params(), d.shape(), guardClause{
		fn: func(args []any) bool {
			a, okA := arg[A](args, 0)
			b, okB := arg[B](args, 1)
			return okA && okB && guard(a, b)
		},
		description: description,
	})
}

func Permit3[S, T comparable, A, B, C any](c *StateConfig[S, T], d Trigger3[T, A, B, C], dest S) *StateConfig[S, T] {
	return c.permitTyped(d.Trigger(), dest, d.Params(), d.shape())
}

func PermitIf3[S, T comparable, A, B, C any](c *StateConfig[S, T], d Trigger3[T, A, B, C], dest S, guard func(A, B, C) bool, description string) *StateConfig[S, T] {
	return c.permitTyped(d.Trigger(), dest, d.Params(), d.shape(), guardClause{
		fn: func(args []any) bool {
			a, okA := arg[A](args, 0)
			b, okB := arg[B](args, 1)
			cc, okC := arg[C](args, 2)
			return okA && okB && okC && guard(a, b, cc)
		},
		description: description,
	})
}
