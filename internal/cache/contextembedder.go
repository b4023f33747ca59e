package cache

import (
	"context"
	"strings"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// ContextEmbedder builds the query embedding used for semantic search: it
// weights the last user message against a short window of recent context,
// routing every raw-text embedding through the shared EmbeddingCache (C2)
// so a repeated prompt never pays for a second provider call.
type ContextEmbedder struct {
	cache    *EmbeddingCache
	provider domain.EmbeddingProvider
}

// NewContextEmbedder wires an EmbeddingCache and EmbeddingProvider together.
func NewContextEmbedder(cache *EmbeddingCache, provider domain.EmbeddingProvider) *ContextEmbedder {
	return &ContextEmbedder{cache: cache, provider: provider}
}

// embed returns the cached vector for text, calling the provider and
// populating the cache on a miss.
func (ce *ContextEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := ce.cache.Get(text); ok {
		return v, nil
	}
	v, err := ce.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	ce.cache.Put(text, v)
	return v, nil
}

// Embed implements §4.4: given the ordered conversation turns and the
// already-normalized prompt, it returns the query embedding and the primary
// text the embedding was anchored on.
func (ce *ContextEmbedder) Embed(ctx context.Context, messages []domain.Message, promptNorm string) (vector []float32, primaryText string, err error) {
	var userMsgs []string
	for _, m := range messages {
		if m.Role == "user" {
			userMsgs = append(userMsgs, m.Content)
		}
	}

	primaryText = promptNorm
	if len(userMsgs) > 0 {
		primaryText = userMsgs[len(userMsgs)-1]
	}

	primaryEmb, err := ce.embed(ctx, primaryText)
	if err != nil {
		return nil, primaryText, err
	}

	if len(userMsgs) <= 1 {
		return primaryEmb, primaryText, nil
	}

	start := len(userMsgs) - 3
	if start < 0 {
		start = 0
	}
	contextText := strings.Join(userMsgs[start:], " ")

	contextEmb, err := ce.embed(ctx, contextText)
	if err != nil {
		return nil, primaryText, err
	}

	blended := make([]float32, len(primaryEmb))
	n := len(primaryEmb)
	if len(contextEmb) < n {
		n = len(contextEmb)
	}
	for i := 0; i < n; i++ {
		blended[i] = float32(0.7*float64(primaryEmb[i]) + 0.3*float64(contextEmb[i]))
	}

	return NormalizeVector(blended), primaryText, nil
}
