package resilience

import (
	"sort"
	"sync"
)

// Registry hands out one Breaker per upstream name.
type Registry struct {
	cfg  BreakerConfig
	opts []BreakerOption

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry; every breaker it creates shares cfg and opts.
func NewRegistry(cfg BreakerConfig, opts ...BreakerOption) *Registry {
	return &Registry{cfg: cfg.Normalize(), opts: opts, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// Snapshots reports every known breaker, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()
	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
