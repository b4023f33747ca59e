package provider

import (
	"context"
	"math"
	"sync"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// StubEmbeddingProvider returns a fixed, deterministic vector per input
// text, registered ahead of time by the caller. It exists so the property
// and end-to-end tests of the cache engine can pin exact cosine
// similarities rather than depend on a real embedding model.
type StubEmbeddingProvider struct {
	mu      sync.Mutex
	vectors map[string][]float32
	fail    error
}

// NewStubEmbeddingProvider returns a provider with no registered vectors;
// unregistered text falls back to a hash-derived deterministic vector.
func NewStubEmbeddingProvider() *StubEmbeddingProvider {
	return &StubEmbeddingProvider{vectors: make(map[string][]float32)}
}

// Register fixes the vector returned for exactly the given text.
func (s *StubEmbeddingProvider) Register(text string, vector []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[text] = vector
}

// FailWith makes every subsequent Embed call return err.
func (s *StubEmbeddingProvider) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Embed implements domain.EmbeddingProvider.
func (s *StubEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return hashVector(text), nil
}

// hashVector deterministically derives a low-dimensional unit vector from
// text so unregistered inputs still behave consistently across calls.
func hashVector(text string) []float32 {
	const dim = 8
	v := make([]float32, dim)
	h := uint32(2166136261)
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
		v[i%dim] += float32(h % 1000)
	}
	return normalizeStub(v)
}

func normalizeStub(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		v[0] = 1
		return v
	}
	n := math.Sqrt(sumSq)
	scaled := make([]float32, len(v))
	for i, x := range v {
		scaled[i] = float32(float64(x) / n)
	}
	return scaled
}

// StubChatProvider returns a fixed response per model, or echoes the last
// user message if none is registered.
type StubChatProvider struct {
	mu        sync.Mutex
	responses map[string]string
	fail      error
	calls     int
}

// NewStubChatProvider returns a provider with no registered responses.
func NewStubChatProvider() *StubChatProvider {
	return &StubChatProvider{responses: make(map[string]string)}
}

// RegisterResponse fixes the text returned for exactly the given model.
func (s *StubChatProvider) RegisterResponse(model, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[model] = text
}

// FailWith makes every subsequent Complete call return err.
func (s *StubChatProvider) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Calls reports how many times Complete has been invoked.
func (s *StubChatProvider) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Complete implements domain.ChatProvider.
func (s *StubChatProvider) Complete(ctx context.Context, req domain.ChatRequest) (string, int64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return "", 0, 0, s.fail
	}
	if text, ok := s.responses[req.Model]; ok {
		return text, 42, 0.001, nil
	}
	var last string
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = m.Content
		}
	}
	return "stub-response: " + last, 42, 0.001, nil
}
