package cache

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheCapacity is N_emb from the spec's contract.
const DefaultEmbeddingCacheCapacity = 1000

// EmbeddingCache is a fixed-capacity, process-wide LRU from raw text to its
// embedding vector. It serves ContextEmbedder and CacheEngine so repeated
// prompts never recompute an embedding. Thread-safe; golang-lru/v2 guards
// its own state internally.
type EmbeddingCache struct {
	lru *lru.Cache[string, []float32]
}

// NewEmbeddingCache builds a cache with the given capacity, falling back to
// DefaultEmbeddingCacheCapacity if capacity <= 0.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = DefaultEmbeddingCacheCapacity
	}
	c, err := lru.New[string, []float32](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0, already guarded above.
		panic(err)
	}
	return &EmbeddingCache{lru: c}
}

func embeddingCacheKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Get returns the stored vector for text, if present. The returned slice is
// the exact slice that was stored (byte-identical, no quantization).
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	return c.lru.Get(embeddingCacheKey(text))
}

// Put stores vector under text, evicting the least-recently-used entry if
// the cache is at capacity.
func (c *EmbeddingCache) Put(text string, vector []float32) {
	c.lru.Add(embeddingCacheKey(text), vector)
}

// Len returns the number of entries currently cached.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}
