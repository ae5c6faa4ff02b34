package breaker

import (
	"sort"
	"sync"
)

// Registry holds one breaker per upstream name. It is constructed once at
// startup and passed into the pipeline; breakers are created on first use and
// never destroyed.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults Options
	metrics  MetricsRecorder
}

// NewRegistry creates a Registry whose breakers use the given default options.
func NewRegistry(defaults Options) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// SetMetrics sets the optional metrics sink propagated to every breaker.
// Call before the first Get.
func (r *Registry) SetMetrics(m MetricsRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Get returns the breaker for name, creating it if necessary.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.defaults)
		b.metrics = r.metrics
		if r.metrics != nil {
			r.metrics.SetBreakerState(name, stateValue(StateClosed))
		}
		r.breakers[name] = b
	}
	return b
}

// Lookup returns the breaker for name if one exists.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	return b, ok
}

// Stats returns snapshots for every registered breaker, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stats, 0, len(r.breakers))
	for _, b := range r.breakers {
		stats = append(stats, b.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
