package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/roach88/statesaga/internal/engine"
	"github.com/roach88/statesaga/internal/fsm"
	"github.com/roach88/statesaga/internal/lock"
	"github.com/roach88/statesaga/internal/saga"
)

// Vars are the run variables referenced as ${name} by saga steps.
type Vars map[string]string

// Factory builds the fsm factory of a declared machine.
func Factory(m Machine) engine.MachineFactory[string, string] {
	return func() *fsm.Machine[string, string] {
		fm := fsm.NewMachine[string, string](m.Initial, fsm.WithVersion(m.EffectiveVersion()))
		for _, s := range m.States() {
			fm.Configure(s)
		}
		for _, t := range m.Transitions {
			c := fm.Configure(t.From)
			if t.Guard != nil {
				c.PermitIf(t.Trigger, t.Target(), t.Guard.Func(), t.Guard.Label())
				continue
			}
			c.Permit(t.Trigger, t.Target())
		}
		return fm
	}
}

// Runtime hosts the entities of every machine of a document on one event
// log. Entity ids are shared across machines: one id belongs to one machine.
type Runtime struct {
	doc   *Document
	hosts map[string]*engine.Host[string, string]
}

// NewRuntime validates doc and creates one host per machine. All hosts share
// one in-process entity lock unless opts supply a locker.
func NewRuntime(doc *Document, log engine.EventLog, opts ...engine.Option) (*Runtime, error) {
	if errs := Validate(doc); len(errs) > 0 {
		return nil, errs
	}
	opts = append([]engine.Option{engine.WithLocker(lock.NewKeyedMutex())}, opts...)
	rt := &Runtime{doc: doc, hosts: make(map[string]*engine.Host[string, string], len(doc.Machines))}
	for _, m := range doc.Machines {
		rt.hosts[m.Name] = engine.NewHost(Factory(m), engine.StringCodec[string, string](), log, opts...)
	}
	return rt, nil
}

// Document returns the document the runtime was built from.
func (r *Runtime) Document() *Document {
	return r.doc
}

func (r *Runtime) host(machine string) (*engine.Host[string, string], error) {
	h, ok := r.hosts[machine]
	if !ok {
		return nil, fmt.Errorf("unknown machine %q", machine)
	}
	return h, nil
}

// Open restores entity as an instance of machine.
func (r *Runtime) Open(ctx context.Context, machine, entity string) (*engine.Handle[string, string], error) {
	h, err := r.host(machine)
	if err != nil {
		return nil, err
	}
	return h.Open(ctx, entity)
}

// FireResult reports one Fire call.
type FireResult struct {
	Machine string `json:"machine"`
	Entity  string `json:"entity"`
	Trigger string `json:"trigger"`
	Applied bool   `json:"applied"`
	State   string `json:"state"`
	Seq     int64  `json:"seq"`
}

// Fire opens entity, fires trigger and closes it again.
func (r *Runtime) Fire(ctx context.Context, machine, entity, trigger string, fo engine.FireOptions, args ...any) (FireResult, error) {
	res := FireResult{Machine: machine, Entity: entity, Trigger: trigger}
	hd, err := r.Open(ctx, machine, entity)
	if err != nil {
		return res, err
	}
	res.Applied, err = hd.FireWith(ctx, trigger, fo, args...)
	res.State = hd.State()
	res.Seq = hd.Seq()
	if cerr := hd.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return res, err
}

// Inspect returns the engine info of entity.
func (r *Runtime) Inspect(ctx context.Context, machine, entity string) (engine.Info[string, string], error) {
	hd, err := r.Open(ctx, machine, entity)
	if err != nil {
		return engine.Info[string, string]{}, err
	}
	info := hd.Info()
	return info, hd.Close(context.WithoutCancel(ctx))
}

// Graph builds the step graph of a saga.
func (r *Runtime) Graph(name string) (*saga.Graph, error) {
	return r.doc.Graph(name)
}

// Graph builds the step graph of the named saga without hosting anything.
func (f *File) Graph(name string) (*saga.Graph, error) {
	s, ok := f.Saga(name)
	if !ok {
		return nil, fmt.Errorf("unknown saga %q", name)
	}
	specs := make([]saga.StepSpec, len(s.Steps))
	for i, st := range s.Steps {
		specs[i] = saga.StepSpec{Name: st.Name, Dependencies: st.DependsOn}
	}
	g, errs := saga.BuildGraph(specs)
	if len(errs) > 0 {
		joined := make([]error, len(errs))
		for i, e := range errs {
			joined[i] = e
		}
		return nil, errors.Join(joined...)
	}
	return g, nil
}

// Saga builds an orchestrator for one run of the named saga.
func (r *Runtime) Saga(name string, opts ...saga.Option) (*saga.Orchestrator[Vars], error) {
	s, ok := r.doc.Saga(name)
	if !ok {
		return nil, fmt.Errorf("unknown saga %q", name)
	}
	steps := make([]saga.Step[Vars], 0, len(s.Steps))
	for _, st := range s.Steps {
		step, err := r.step(st)
		if err != nil {
			return nil, fmt.Errorf("saga %s: step %s: %w", name, st.Name, err)
		}
		steps = append(steps, step)
	}
	return saga.New(name, steps, opts...)
}

func (r *Runtime) step(st Step) (saga.Step[Vars], error) {
	h, err := r.host(st.Machine)
	if err != nil {
		return saga.Step[Vars]{}, err
	}
	timeout, err := st.TimeoutDuration()
	if err != nil {
		return saga.Step[Vars]{}, err
	}
	spec := saga.TriggerSpec[Vars, string]{
		Name:         st.Name,
		Dependencies: st.DependsOn,
		Target: func(v Vars) saga.Firer[string] {
			return entityFirer{host: h, entity: expand(st.Entity, v)}
		},
		Trigger:    st.Trigger,
		Timeout:    timeout,
		MaxRetries: st.Retries(),
	}
	if len(st.Args) > 0 {
		spec.Args = func(v Vars) []any { return expandArgs(st.Args, v) }
	}
	if st.Compensate != "" {
		c := st.Compensate
		spec.CompensateWith = &c
	}
	if st.When != "" {
		spec.Condition = func(v Vars) bool {
			val, ok := v[st.When]
			return ok && val != "false"
		}
	}
	return saga.TriggerStep(spec), nil
}

// MissingVars lists the variables referenced by a saga but absent from vars.
func (r *Runtime) MissingVars(name string, vars Vars) []string {
	s, ok := r.doc.Saga(name)
	if !ok {
		return nil
	}
	var missing []string
	note := func(text string) {
		for _, n := range Variables(text) {
			if _, ok := vars[n]; !ok && !slices.Contains(missing, n) {
				missing = append(missing, n)
			}
		}
	}
	for _, st := range s.Steps {
		note(st.Entity)
		for _, a := range st.Args {
			if str, ok := a.(string); ok {
				note(str)
			}
		}
	}
	return missing
}

// RunSaga executes one run of the named saga with vars.
func (r *Runtime) RunSaga(ctx context.Context, name string, vars Vars, correlationID string, opts ...saga.Option) (saga.Result, error) {
	if missing := r.MissingVars(name, vars); len(missing) > 0 {
		return saga.Result{}, fmt.Errorf("saga %s: missing variables %v", name, missing)
	}
	o, err := r.Saga(name, opts...)
	if err != nil {
		return saga.Result{}, err
	}
	return o.Execute(ctx, vars, correlationID)
}

// Shutdown closes every open entity of every machine.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error
	for _, m := range r.doc.Machines {
		if err := r.hosts[m.Name].Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("machine %s: %w", m.Name, err))
		}
	}
	return errors.Join(errs...)
}

// entityFirer opens the entity for each firing so a saga never pins it.
type entityFirer struct {
	host   *engine.Host[string, string]
	entity string
}

func (f entityFirer) FireWith(ctx context.Context, t string, fo engine.FireOptions, args ...any) (bool, error) {
	hd, err := f.host.Open(ctx, f.entity)
	if err != nil {
		return false, err
	}
	applied, err := hd.FireWith(ctx, t, fo, args...)
	if cerr := hd.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
		err = cerr
	}
	return applied, err
}

func expand(s string, v Vars) string {
	return os.Expand(s, func(name string) string { return v[name] })
}

func expandArgs(args []any, v Vars) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			out[i] = expand(s, v)
			continue
		}
		out[i] = a
	}
	return out
}
