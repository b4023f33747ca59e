package cache

import (
	"sort"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// Tenant pairs a tenant's durable state (domain.TenantState, which is what
// gets persisted) with its in-memory VectorIndex, which is rebuilt from
// State.Rows on load and so is never itself serialized.
type Tenant struct {
	State *domain.TenantState
	Index *VectorIndex
}

// NewTenant builds an empty tenant with the initial similarity threshold of
// §3 (0.72).
func NewTenant(tenantID string) *Tenant {
	return &Tenant{
		State: &domain.TenantState{
			TenantID:         tenantID,
			Exact:            make(map[string]*domain.CacheEntry),
			SimThreshold:     0.72,
			DomainThresholds: make(map[string]float64),
		},
		Index: NewVectorIndex(),
	}
}

// GetExact returns the exact-match entry for key, if any. Caller must hold
// at least a read lock on t.State.Mu.
func (t *Tenant) GetExact(key string) (*domain.CacheEntry, bool) {
	e, ok := t.State.Exact[key]
	return e, ok
}

// Insert adds entry to the exact map (overwriting any prior mapping for the
// same prompt_norm), appends it to Rows and appends its embedding to the
// vector Index, keeping len(Rows) == Index.Size() at all times. Caller must
// hold the exclusive lock on t.State.Mu.
func (t *Tenant) Insert(entry *domain.CacheEntry) {
	t.State.Exact[entry.PromptNorm] = entry
	t.State.Rows = append(t.State.Rows, entry)
	t.Index.Add(entry.Embedding)
}

// RecordHit bumps hits and, for semantic hits, semantic_hits. Caller must
// hold the exclusive lock.
func (t *Tenant) RecordHit(kind string) {
	t.State.Hits++
	if kind == "semantic" {
		t.State.SemanticHits++
	}
}

// RecordMiss bumps misses. Caller must hold the exclusive lock.
func (t *Tenant) RecordMiss() {
	t.State.Misses++
}

// AppendEvent appends ev to the bounded event ring, discarding the oldest
// event once the cap is reached. Caller must hold the exclusive lock.
func (t *Tenant) AppendEvent(ev domain.CacheEvent) {
	t.State.Events = append(t.State.Events, ev)
	if len(t.State.Events) > domain.EventRingCap {
		t.State.Events = t.State.Events[len(t.State.Events)-domain.EventRingCap:]
	}
}

// AppendLatency appends a latency sample to the bounded window. Caller must
// hold the exclusive lock.
func (t *Tenant) AppendLatency(ms float64) {
	t.State.LatenciesMs = append(t.State.LatenciesMs, ms)
	if len(t.State.LatenciesMs) > domain.LatencyWindowCap {
		t.State.LatenciesMs = t.State.LatenciesMs[len(t.State.LatenciesMs)-domain.LatencyWindowCap:]
	}
}

// AdaptiveThreshold computes the acceptance threshold for this query per
// §4.8: it starts from sim_threshold, widens for sparse tenants, respects
// any configured domain threshold floor, and nudges up when the candidate
// pool is unusually large. Caller must hold at least a read lock.
func (t *Tenant) AdaptiveThreshold(numCandidates int, queryDomain string) float64 {
	numRows := len(t.State.Rows)

	var base float64
	switch {
	case numRows < 10:
		base = max64(0.70, t.State.SimThreshold)
	case numRows < 20:
		base = max64(0.72, t.State.SimThreshold)
	default:
		base = t.State.SimThreshold
	}

	if domThresh, ok := t.State.DomainThresholds[queryDomain]; ok {
		base = max64(base, domThresh)
	}

	if numCandidates > 10 {
		base += 0.02
	}

	return base
}

// AdaptThreshold is the slow-control loop of §4.9, called after every
// completed query. It does nothing until at least 20 requests have been
// observed, then nudges sim_threshold by at most 0.01 toward a healthy hit
// ratio, clamped to [0.70, 0.92]. Caller must hold the exclusive lock.
func (t *Tenant) AdaptThreshold() {
	total := t.State.Hits + t.State.Misses
	if total < 20 {
		return
	}

	ratio := float64(t.State.Hits) / float64(total)
	switch {
	case ratio < 0.55:
		t.State.SimThreshold = max64(0.70, t.State.SimThreshold-0.01)
	case ratio > 0.85:
		t.State.SimThreshold = min64(0.92, t.State.SimThreshold+0.01)
	}
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// MetricsSnapshot is the on-demand §4.12 metrics computation for one tenant.
type MetricsSnapshot struct {
	Requests            int64   `json:"requests"`
	Hits                int64   `json:"hits"`
	SemanticHits        int64   `json:"semantic_hits"`
	Misses              int64   `json:"misses"`
	HitRatio            float64 `json:"hit_ratio"`
	SemanticHitRatio    float64 `json:"semantic_hit_ratio"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	P50LatencyMs        float64 `json:"p50_latency_ms"`
	P95LatencyMs        float64 `json:"p95_latency_ms"`
	TokensSavedEst      int64   `json:"tokens_saved_est"`
	SimThreshold        float64 `json:"sim_threshold"`
	Entries             int     `json:"entries"`
	AvgConfidence       float64 `json:"avg_confidence"`
	AvgHybridScore      float64 `json:"avg_hybrid_score"`
	HighConfidenceHits  int64   `json:"high_confidence_hits"`
	HighConfidenceRatio float64 `json:"high_confidence_ratio"`
}

// Metrics computes the §4.12 snapshot from the tenant's current state.
// Caller must hold at least a read lock.
func (t *Tenant) Metrics() MetricsSnapshot {
	s := t.State
	requests := s.Hits + s.Misses

	m := MetricsSnapshot{
		Requests:       requests,
		Hits:           s.Hits,
		SemanticHits:   s.SemanticHits,
		Misses:         s.Misses,
		TokensSavedEst: 100 * s.Hits,
		SimThreshold:   s.SimThreshold,
		Entries:        len(s.Rows),
	}

	if requests > 0 {
		m.HitRatio = float64(s.Hits) / float64(requests)
		m.SemanticHitRatio = float64(s.SemanticHits) / float64(requests)
	}

	if len(s.LatenciesMs) > 0 {
		sorted := append([]float64(nil), s.LatenciesMs...)
		sort.Float64s(sorted)

		var sum float64
		for _, v := range sorted {
			sum += v
		}
		m.AvgLatencyMs = sum / float64(len(sorted))
		m.P50LatencyMs = percentile(sorted, 0.50)
		m.P95LatencyMs = percentile(sorted, 0.95)
	}

	var semanticCount int64
	var confSum, hybridSum float64
	for _, ev := range s.Events {
		if ev.Decision != "semantic" {
			continue
		}
		semanticCount++
		confSum += ev.Confidence
		hybridSum += ev.HybridScore
		if ev.Confidence >= 0.8 {
			m.HighConfidenceHits++
		}
	}
	if semanticCount > 0 {
		m.AvgConfidence = confSum / float64(semanticCount)
		m.AvgHybridScore = hybridSum / float64(semanticCount)
		m.HighConfidenceRatio = float64(m.HighConfidenceHits) / float64(semanticCount)
	}

	return m
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// now is overridable in tests via a package-level var so CacheEntry
// timestamps and TTL checks are deterministic.
var now = time.Now
