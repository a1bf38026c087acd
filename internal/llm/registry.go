package llm

import (
	"sync"
	"time"
)

// UnhealthyThreshold is the number of consecutive failures after which a
// provider stops being selected.
const UnhealthyThreshold = 3

// ProviderHealth is the health entry of one provider.
type ProviderHealth struct {
	Provider            Provider  `json:"provider"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check,omitempty"`
}

// Registry holds the priority-ordered providers and their health. Health is
// inferred only from call outcomes; there is no background probing.
type Registry struct {
	mu     sync.RWMutex
	order  []Provider
	health map[Provider]*ProviderHealth
	now    func() time.Time
}

// NewRegistry creates a registry with every provider initially healthy.
// Duplicate ids keep their first position.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{
		order:  make([]Provider, 0, len(providers)),
		health: make(map[Provider]*ProviderHealth, len(providers)),
		now:    time.Now,
	}
	for _, p := range providers {
		if _, exists := r.health[p]; exists {
			continue
		}
		r.order = append(r.order, p)
		r.health[p] = &ProviderHealth{Provider: p, IsHealthy: true}
	}
	return r
}

// Providers returns the configured providers in priority order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, len(r.order))
	copy(out, r.order)
	return out
}

// NextHealthy returns the first healthy provider, in priority order, that is
// not in exclude.
func (r *Registry) NextHealthy(exclude map[Provider]struct{}) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.order {
		if _, skip := exclude[p]; skip {
			continue
		}
		if r.health[p].IsHealthy {
			return p, true
		}
	}
	return "", false
}

// RecordSuccess fully resets the provider's failure count and marks it healthy.
func (r *Registry) RecordSuccess(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[p]
	if !ok {
		return
	}
	h.ConsecutiveFailures = 0
	h.IsHealthy = true
	h.LastCheck = r.now()
}

// RecordFailure increments the failure count and marks the provider
// unhealthy once it reaches UnhealthyThreshold. It returns the updated entry.
func (r *Registry) RecordFailure(p Provider) ProviderHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[p]
	if !ok {
		return ProviderHealth{Provider: p}
	}
	h.ConsecutiveFailures++
	if h.ConsecutiveFailures >= UnhealthyThreshold {
		h.IsHealthy = false
	}
	h.LastCheck = r.now()
	return *h
}

// Health returns a copy of one provider's entry.
func (r *Registry) Health(p Provider) (ProviderHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.health[p]
	if !ok {
		return ProviderHealth{}, false
	}
	return *h, true
}

// Snapshot returns copies of all entries in priority order.
func (r *Registry) Snapshot() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, *r.health[p])
	}
	return out
}
