package cache

import (
	"strings"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// clamp01 clamps x into [0, 1].
func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// tokenSet splits a whitespace-separated, lowercased string into a set of
// distinct words.
func tokenSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// wordJaccard is the lexical-overlap term of the hybrid score: the Jaccard
// similarity of two strings' whitespace-split lowercased word sets. Zero if
// the union is empty.
func wordJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// ScoreResult is the output of HybridScorer.Score.
type ScoreResult struct {
	BaseSim    float64
	Hybrid     float64
	Confidence float64
}

// HybridScorer combines base cosine similarity with lexical overlap, domain
// match, recency and usage into a hybrid score and a derived confidence.
// Every constant below is part of the contract (§4.5): it must reproduce
// bit-for-bit in tests, so none of it is configurable.
type HybridScorer struct {
	now func() time.Time
}

// NewHybridScorer builds a scorer. now defaults to time.Now if nil, and
// exists only so tests can pin "the present" deterministically.
func NewHybridScorer(now func() time.Time) *HybridScorer {
	if now == nil {
		now = time.Now
	}
	return &HybridScorer{now: now}
}

// Score computes the hybrid score and confidence of a candidate entry
// against a query embedding q, query text t and its classified domain.
func (hs *HybridScorer) Score(q []float32, t string, queryDomain string, e *domain.CacheEntry, baseSim float64) ScoreResult {
	text := wordJaccard(t, e.PromptNorm)

	domainBoost := 0.0
	if queryDomain == e.Domain {
		domainBoost = 0.1
	}

	ageDays := hs.now().Sub(e.CreatedAt).Hours() / 24
	recency := 1 - ageDays/30
	if recency < 0 {
		recency = 0
	}

	usage := float64(e.UseCount) / 10
	if usage > 1 {
		usage = 1
	}

	hybrid := clamp01(0.60*baseSim + 0.20*text + 0.10*domainBoost + 0.05*recency + 0.05*usage)

	confidence := hybrid
	if baseSim > 0.85 {
		confidence += 0.10
	} else if baseSim > 0.80 {
		confidence += 0.05
	}
	if e.UseCount > 5 {
		confidence += 0.05
	}
	if ageDays < 7 {
		confidence += 0.05
	}
	if baseSim < 0.75 {
		confidence -= 0.10
	}
	confidence = clamp01(confidence)

	return ScoreResult{BaseSim: baseSim, Hybrid: hybrid, Confidence: confidence}
}
