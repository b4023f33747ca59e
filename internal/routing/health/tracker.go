// Package health tracks embedding/chat provider reachability in memory,
// for the process health endpoint and the provider health gauge. No
// request path consults it to change behaviour when a collaborator is
// unhealthy.
package health

import (
	"sync"
	"time"
)

// ProviderHealth is a rolling view of one provider's recent call outcomes.
type ProviderHealth struct {
	Provider      string
	SuccessCount  int64
	ErrorCount    int64
	AvgLatencyMs  float64
	HealthScore   float64 // 0.0-1.0
	LastSuccessAt time.Time
	LastFailureAt time.Time

	latencySum float64
}

// Tracker tracks health per provider name ("embedding", "chat"), entirely
// in memory and reset on process restart.
type Tracker struct {
	mu       sync.Mutex
	statuses map[string]*ProviderHealth
}

// NewTracker builds an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]*ProviderHealth)}
}

func (t *Tracker) entry(provider string) *ProviderHealth {
	h, ok := t.statuses[provider]
	if !ok {
		h = &ProviderHealth{Provider: provider, HealthScore: 1.0}
		t.statuses[provider] = h
	}
	return h
}

// RecordSuccess records a successful call and its latency.
func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(provider)
	h.SuccessCount++
	h.latencySum += latencyMs
	h.AvgLatencyMs = h.latencySum / float64(h.SuccessCount)
	h.LastSuccessAt = time.Now()
	h.HealthScore = minF(1.0, h.HealthScore+0.01)
}

// RecordFailure records a failed call.
func (t *Tracker) RecordFailure(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.entry(provider)
	h.ErrorCount++
	h.LastFailureAt = time.Now()
	h.HealthScore = maxF(0.0, h.HealthScore-0.1)
}

// Get returns a copy of a provider's current health.
func (t *Tracker) Get(provider string) ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.entry(provider)
}

// All returns a copy of every tracked provider's health.
func (t *Tracker) All() []ProviderHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProviderHealth, 0, len(t.statuses))
	for _, h := range t.statuses {
		out = append(out, *h)
	}
	return out
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
