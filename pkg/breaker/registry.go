package breaker

import "sync"

// Registry holds one breaker per service name. Within a process all
// orchestrators sharing a registry observe the same breaker state, so an
// outage detected by one caller protects every other.
type Registry struct {
	cfg      func(name string) *Breaker
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that builds missing breakers with factory.
func NewRegistry(factory func(name string) *Breaker) *Registry {
	return &Registry{
		cfg:      factory,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := r.cfg(name)
	r.breakers[name] = b
	return b
}

// Stats returns snapshots for every breaker created so far.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Stats())
	}
	return out
}
