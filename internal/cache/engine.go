package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// ProviderDeadline is the default timeout applied to every outbound
// EmbeddingProvider and ChatProvider call (§5).
const ProviderDeadline = 30 * time.Second

// maxSemanticCandidates bounds the top-k fetched from the vector index
// before re-ranking (§4.8 step 3).
const maxSemanticCandidates = 20

// QueryMeta is returned alongside the answer text from Engine.Query.
type QueryMeta struct {
	Hit           string  `json:"hit"` // "exact", "semantic", "miss"
	Similarity    float64 `json:"similarity"`
	HybridScore   float64 `json:"hybrid_score,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
	ThresholdUsed float64 `json:"threshold_used,omitempty"`
	LatencyMs     float64 `json:"latency_ms"`
	Strategy      string  `json:"strategy"`
	TokensUsed    int64   `json:"-"`
	CostUSD       float64 `json:"-"`
}

// Engine orchestrates every tenant's cache: exact lookup, semantic search,
// hybrid re-ranking, the miss path, and bookkeeping (events, counters,
// adaptive threshold, persistence triggers).
type Engine struct {
	tenantsMu sync.RWMutex
	tenants   map[string]*Tenant

	embeddingCache *EmbeddingCache
	embedder       domain.EmbeddingProvider
	chat           domain.ChatProvider
	scorer         *HybridScorer

	logger *slog.Logger

	onSnapshotDue func() // non-blocking signal to the Persistence component
}

// NewEngine builds an Engine sharing one process-wide EmbeddingCache across
// all tenants, per §5.
func NewEngine(embedder domain.EmbeddingProvider, chat domain.ChatProvider, embeddingCacheCapacity int, logger *slog.Logger, onSnapshotDue func()) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if onSnapshotDue == nil {
		onSnapshotDue = func() {}
	}
	return &Engine{
		tenants:        make(map[string]*Tenant),
		embeddingCache: NewEmbeddingCache(embeddingCacheCapacity),
		embedder:       embedder,
		chat:           chat,
		scorer:         NewHybridScorer(nil),
		logger:         logger,
		onSnapshotDue:  onSnapshotDue,
	}
}

// Tenant returns the tenant's state, creating it on first access. Safe for
// concurrent use; different tenants proceed independently (§5).
func (e *Engine) Tenant(tenantID string) *Tenant {
	e.tenantsMu.RLock()
	t, ok := e.tenants[tenantID]
	e.tenantsMu.RUnlock()
	if ok {
		return t
	}

	e.tenantsMu.Lock()
	defer e.tenantsMu.Unlock()
	if t, ok := e.tenants[tenantID]; ok {
		return t
	}
	t = NewTenant(tenantID)
	e.tenants[tenantID] = t
	return t
}

// RestoreTenant installs a tenant loaded from a snapshot, rebuilding its
// vector index by re-adding embeddings in row order (§4.10).
func (e *Engine) RestoreTenant(state *domain.TenantState) {
	idx := NewVectorIndex()
	for _, row := range state.Rows {
		idx.Add(row.Embedding)
	}
	e.tenantsMu.Lock()
	e.tenants[state.TenantID] = &Tenant{State: state, Index: idx}
	e.tenantsMu.Unlock()
}

// AllTenants returns a snapshot of the current tenant set, used by the
// Persistence component to iterate for a save. The map itself is a copy;
// each Tenant pointer is still live and must be locked before reading.
func (e *Engine) AllTenants() map[string]*Tenant {
	e.tenantsMu.RLock()
	defer e.tenantsMu.RUnlock()
	out := make(map[string]*Tenant, len(e.tenants))
	for k, v := range e.tenants {
		out[k] = v
	}
	return out
}

func joinUserMessages(messages []domain.Message) string {
	var parts []string
	for _, m := range messages {
		if m.Role == "user" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, " ")
}

// Query runs the full request pipeline of §4.8 for one tenant.
func (e *Engine) Query(ctx context.Context, tenantID string, messages []domain.Message, model string, ttlSeconds int, temperature float64) (string, QueryMeta, error) {
	start := time.Now()
	t := e.Tenant(tenantID)
	promptNorm := Normalize(joinUserMessages(messages))
	ctxEmbedder := NewContextEmbedder(e.embeddingCache, e.embedder)

	// Step 2: exact lookup.
	t.State.Mu.Lock()
	entry, ok := t.GetExact(promptNorm)
	if ok && entry.Model == model && entry.Fresh(now()) {
		entry.UseCount++
		entry.LastUsedAt = now()
		t.RecordHit("exact")
		latency := msSince(start)
		t.AppendLatency(latency)
		t.AppendEvent(domain.CacheEvent{
			Timestamp: now(), TenantID: tenantID, PromptHash: promptHash(promptNorm),
			Decision: "exact", Similarity: 1.0, LatencyMs: latency,
		})
		t.AdaptThreshold()
		t.State.Mu.Unlock()
		return entry.ResponseText, QueryMeta{Hit: "exact", Similarity: 1.0, LatencyMs: latency, Strategy: "hybrid"}, nil
	}
	t.State.Mu.Unlock()

	// Step 3: semantic search, only if the tenant already has rows.
	t.State.Mu.RLock()
	numRows := len(t.State.Rows)
	t.State.Mu.RUnlock()

	var (
		q              []float32
		primaryText    = promptNorm
		embedErr       error
		haveEmbedding  bool
	)

	if numRows > 0 {
		embedCtx, cancel := context.WithTimeout(ctx, ProviderDeadline)
		q, primaryText, embedErr = ctxEmbedder.Embed(embedCtx, messages, promptNorm)
		cancel()

		if embedErr == nil {
			haveEmbedding = true
			queryDomain := ClassifyDomain(primaryText)

			t.State.Mu.Lock()
			k := maxSemanticCandidates
			if numRows < k {
				k = numRows
			}
			rawCandidates := t.Index.Search(q, k)

			var candidates []scoredCandidate
			for _, c := range rawCandidates {
				if c.RowIndex < 0 || c.RowIndex >= len(t.State.Rows) {
					e.logger.Warn("vector index row out of range", "tenant", tenantID, "row", c.RowIndex)
					continue
				}
				cand := t.State.Rows[c.RowIndex]
				if !cand.Fresh(now()) {
					continue
				}
				sr := e.scorer.Score(q, primaryText, queryDomain, cand, c.Score)
				candidates = append(candidates, scoredCandidate{entry: cand, ScoreResult: sr})
			}

			sort.Slice(candidates, func(i, j int) bool { return candidates[i].Hybrid > candidates[j].Hybrid })
			threshold := t.AdaptiveThreshold(len(candidates), queryDomain)

			for _, c := range candidates {
				effectiveThreshold := threshold
				accept := c.Hybrid >= threshold && c.Confidence >= 0.7
				if !accept {
					typoThreshold := max64(0.65, c.BaseSim-0.02)
					if c.BaseSim >= 0.65 && c.Confidence >= 0.65 && c.Hybrid >= typoThreshold {
						accept = true
						effectiveThreshold = typoThreshold
					}
				}
				if !accept {
					continue
				}

				c.entry.UseCount++
				c.entry.LastUsedAt = now()
				t.RecordHit("semantic")
				latency := msSince(start)
				t.AppendLatency(latency)
				t.AppendEvent(domain.CacheEvent{
					Timestamp: now(), TenantID: tenantID, PromptHash: promptHash(promptNorm),
					Decision: "semantic", Similarity: c.BaseSim, HybridScore: c.Hybrid,
					Confidence: c.Confidence, LatencyMs: latency,
				})
				t.AdaptThreshold()
				t.State.Mu.Unlock()

				return c.entry.ResponseText, QueryMeta{
					Hit: "semantic", Similarity: c.BaseSim, HybridScore: c.Hybrid,
					Confidence: c.Confidence, ThresholdUsed: effectiveThreshold, LatencyMs: latency,
					Strategy: "hybrid-enhanced",
				}, nil
			}
			t.State.Mu.Unlock()
		} else {
			e.logger.Warn("embedding provider failed during semantic search, falling through to miss path", "tenant", tenantID, "error", embedErr)
		}
	}

	// Step 4: miss path.
	chatCtx, cancel := context.WithTimeout(ctx, ProviderDeadline)
	responseText, tokensUsed, costUSD, chatErr := e.chat.Complete(chatCtx, domain.ChatRequest{
		Model: model, Messages: messages, Temperature: temperature,
	})
	cancel()
	if chatErr != nil {
		if !haveEmbedding && embedErr != nil {
			return "", QueryMeta{}, &domain.FatalProviderError{Cause: chatErr}
		}
		return "", QueryMeta{}, classifyProviderErr(chatErr)
	}

	if !haveEmbedding {
		embedCtx, cancel := context.WithTimeout(ctx, ProviderDeadline)
		q, primaryText, embedErr = ctxEmbedder.Embed(embedCtx, messages, promptNorm)
		cancel()
		if embedErr != nil {
			return "", QueryMeta{}, &domain.FatalProviderError{Cause: embedErr}
		}
	}

	entryDomain := ClassifyDomain(primaryText)
	newEntry := &domain.CacheEntry{
		PromptNorm:   promptNorm,
		ResponseText: responseText,
		Embedding:    q,
		Model:        model,
		TTLSeconds:   ttlSeconds,
		CreatedAt:    now(),
		LastUsedAt:   now(),
		UseCount:     0,
		Domain:       entryDomain,
		Strategy:     "miss",
	}

	t.State.Mu.Lock()
	t.Insert(newEntry)
	t.RecordMiss()
	latency := msSince(start)
	t.AppendLatency(latency)
	t.AppendEvent(domain.CacheEvent{
		Timestamp: now(), TenantID: tenantID, PromptHash: promptHash(promptNorm),
		Decision: "miss", Similarity: 0, LatencyMs: latency,
	})
	t.AdaptThreshold()
	numRowsAfter := len(t.State.Rows)
	t.State.Mu.Unlock()

	if numRowsAfter%10 == 0 {
		e.onSnapshotDue()
	}

	return responseText, QueryMeta{
		Hit: "miss", Similarity: 0, LatencyMs: latency, Strategy: "hybrid",
		TokensUsed: tokensUsed, CostUSD: costUSD,
	}, nil
}

func classifyProviderErr(err error) error {
	switch err.(type) {
	case *domain.TransientProviderError, *domain.FatalProviderError:
		return err
	default:
		return &domain.FatalProviderError{Cause: err}
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func promptHash(promptNorm string) string {
	sum := sha256.Sum256([]byte(promptNorm))
	return hex.EncodeToString(sum[:])
}

// scoredCandidate pairs a candidate cache entry with its computed score.
type scoredCandidate struct {
	entry *domain.CacheEntry
	ScoreResult
}
