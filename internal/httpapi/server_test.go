package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sathvik-mn/semantiscache/internal/cache"
	"github.com/sathvik-mn/semantiscache/internal/domain"
	"github.com/sathvik-mn/semantiscache/internal/provider"
)

// fakeKeyRegistry implements domain.KeyRegistry without a database, for
// exercising the request pipeline in isolation. It accepts any token of the
// form sc-<tenant>-<rest>.
type fakeKeyRegistry struct {
	usageLogged int
}

func (f *fakeKeyRegistry) Validate(ctx context.Context, rawToken string) (string, string, error) {
	if !strings.HasPrefix(rawToken, "sc-") {
		return "", "", &domain.Unauthorized{Reason: "Malformed API key"}
	}
	parts := strings.SplitN(strings.TrimPrefix(rawToken, "sc-"), "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &domain.Unauthorized{Reason: "Malformed API key"}
	}
	return parts[0], "free", nil
}

func (f *fakeKeyRegistry) RecordUse(ctx context.Context, rawToken, tenantID string) error {
	return nil
}

func (f *fakeKeyRegistry) LogUsage(ctx context.Context, apiKey, tenantID, endpoint string, hits, misses int, tokens int64, cost float64) error {
	f.usageLogged++
	return nil
}

func newTestServer() (*Server, *fakeKeyRegistry, *provider.StubChatProvider) {
	embedder := provider.NewStubEmbeddingProvider()
	chat := provider.NewStubChatProvider()
	engine := cache.NewEngine(embedder, chat, 100, nil, nil)
	reg := &fakeKeyRegistry{}
	return NewServer(engine, reg, nil, 3600, nil, nil), reg, chat
}

func TestHandleHealthNoAuth(t *testing.T) {
	srv, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestAuthMissingHeader(t *testing.T) {
	srv, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "Missing or invalid API key" {
		t.Errorf("unexpected error message: %v", body["error"])
	}
}

func TestAuthMalformedKey(t *testing.T) {
	srv, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer sc-x")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "Malformed API key" {
		t.Errorf("expected Malformed API key, got %v", body["error"])
	}
}

func TestChatCompletionsMissAndMetrics(t *testing.T) {
	srv, reg, chat := newTestServer()
	chat.RegisterResponse("gpt-4o-mini", "AI is the simulation of intelligence by machines.")

	body := strings.NewReader(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"What is AI?"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer sc-acme-key1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("expected object chat.completion, got %s", resp.Object)
	}
	if resp.Meta.Hit != "miss" {
		t.Errorf("expected miss, got %s", resp.Meta.Hit)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content == "" {
		t.Fatalf("expected one choice with content, got %+v", resp.Choices)
	}
	if reg.usageLogged != 1 {
		t.Errorf("expected usage logged once, got %d", reg.usageLogged)
	}
}

func TestChatCompletionsValidationError(t *testing.T) {
	srv, _, _ := newTestServer()

	body := strings.NewReader(`{"model":""}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer sc-acme-key1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestEventsLimitAboveMaxAccepted(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/events?limit=5000", nil)
	req.Header.Set("Authorization", "Bearer sc-acme-key1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var events []domain.CacheEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
}

func TestQueryRequiresPromptAndModel(t *testing.T) {
	srv, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/query", nil)
	req.Header.Set("Authorization", "Bearer sc-acme-key1")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}
