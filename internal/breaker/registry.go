package breaker

import (
	"slices"
	"sync"
)

// Registry hands out one shared Breaker per operation name.
type Registry struct {
	mu        sync.Mutex
	cfg       Config
	opts      []Option
	breakers  map[string]*Breaker
	listeners []func(StateChange)
}

// NewRegistry creates a registry whose breakers use cfg and opts.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.opts...)
		for _, fn := range r.listeners {
			b.OnStateChange(fn)
		}
		r.breakers[name] = b
	}
	return b
}

// OnStateChange registers fn on every current and future breaker.
func (r *Registry) OnStateChange(fn func(StateChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
	for _, b := range r.breakers {
		b.OnStateChange(fn)
	}
}

// Stats returns the stats of every breaker, sorted by operation.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	slices.Sort(names)

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, r.Get(name).Stats())
	}
	return out
}
