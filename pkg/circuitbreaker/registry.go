package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds at most one breaker per dependency name. Breakers are
// created lazily with the registry's default threshold and timeout.
type Registry struct {
	failureThreshold int
	openTimeout      time.Duration

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry with shared breaker defaults.
func NewRegistry(failureThreshold int, openTimeout time.Duration) *Registry {
	return &Registry{
		failureThreshold: failureThreshold,
		openTimeout:      openTimeout,
		breakers:         make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.failureThreshold, r.openTimeout)
	r.breakers[name] = b
	return b
}

// Reset closes the named breaker. It reports whether the breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshots returns monitoring views of all breakers, ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
