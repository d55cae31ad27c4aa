package breaker

// Registry holds one breaker per upstream. Built once at boot; lookups are
// read-only afterwards.
type Registry struct {
	breakers map[string]*Breaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Add registers a breaker. onState is invoked on every transition so the
// state gauge stays current; it fires once at registration to initialise.
func (r *Registry) Add(name string, cfg Config, onState func(name string, s State)) *Breaker {
	b := New(name, cfg)
	b.onState = onState
	if onState != nil {
		onState(name, Closed)
	}
	r.breakers[name] = b
	return b
}

func (r *Registry) Get(name string) *Breaker {
	if r == nil {
		return nil
	}
	return r.breakers[name]
}

func (r *Registry) Stats() []Snapshot {
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
