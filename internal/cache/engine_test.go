package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
	"github.com/sathvik-mn/semantiscache/internal/provider"
)

func newTestEngine() (*Engine, *provider.StubEmbeddingProvider, *provider.StubChatProvider) {
	embedder := provider.NewStubEmbeddingProvider()
	chat := provider.NewStubChatProvider()
	engine := NewEngine(embedder, chat, 100, nil, nil)
	return engine, embedder, chat
}

func TestEngineMissThenExactHit(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.RegisterResponse("gpt-4o-mini", "Paris is the capital of France.")

	messages := []domain.Message{{Role: "user", Content: "What is the capital of France?"}}

	_, meta1, err := engine.Query(context.Background(), "acme", messages, "gpt-4o-mini", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error on first query: %v", err)
	}
	if meta1.Hit != "miss" {
		t.Errorf("expected first query to miss, got %q", meta1.Hit)
	}

	answer2, meta2, err := engine.Query(context.Background(), "acme", messages, "gpt-4o-mini", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error on second query: %v", err)
	}
	if meta2.Hit != "exact" {
		t.Errorf("expected second identical query to exact-hit, got %q", meta2.Hit)
	}
	if answer2 != "Paris is the capital of France." {
		t.Errorf("unexpected cached answer %q", answer2)
	}
	if chat.Calls() != 1 {
		t.Errorf("expected chat provider called exactly once, got %d", chat.Calls())
	}
}

func TestEngineExactHitRequiresSameModel(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.RegisterResponse("model-a", "answer from a")
	chat.RegisterResponse("model-b", "answer from b")

	messages := []domain.Message{{Role: "user", Content: "same prompt"}}

	if _, _, err := engine.Query(context.Background(), "acme", messages, "model-a", 3600, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, meta, err := engine.Query(context.Background(), "acme", messages, "model-b", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hit != "miss" {
		t.Errorf("expected model mismatch to force a miss, got %q", meta.Hit)
	}
}

func TestEngineExactHitExpiresWithTTL(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.RegisterResponse("gpt-4o-mini", "short-lived answer")

	messages := []domain.Message{{Role: "user", Content: "short ttl prompt"}}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	restore := now
	now = func() time.Time { return base }
	defer func() { now = restore }()

	if _, _, err := engine.Query(context.Background(), "acme", messages, "gpt-4o-mini", 1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = func() time.Time { return base.Add(5 * time.Second) }
	_, meta, err := engine.Query(context.Background(), "acme", messages, "gpt-4o-mini", 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hit != "miss" {
		t.Errorf("expected expired entry to force a miss, got %q", meta.Hit)
	}
	if chat.Calls() != 2 {
		t.Errorf("expected chat provider called twice after expiry, got %d", chat.Calls())
	}
}

func TestEngineSemanticHitAcceptsParaphrase(t *testing.T) {
	engine, embedder, chat := newTestEngine()
	chat.RegisterResponse("gpt-4o-mini", "42 degrees and sunny.")

	embedder.Register("What is weather today", []float32{1, 0})
	embedder.Register("What is the weather", []float32{1, 0})

	first := []domain.Message{{Role: "user", Content: "What is weather today"}}
	if _, meta, err := engine.Query(context.Background(), "acme", first, "gpt-4o-mini", 3600, 0); err != nil || meta.Hit != "miss" {
		t.Fatalf("expected first query to miss cleanly, meta=%+v err=%v", meta, err)
	}

	second := []domain.Message{{Role: "user", Content: "What is the weather"}}
	answer, meta, err := engine.Query(context.Background(), "acme", second, "gpt-4o-mini", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hit != "semantic" {
		t.Fatalf("expected semantic hit, got %q (hybrid=%v confidence=%v threshold=%v)", meta.Hit, meta.HybridScore, meta.Confidence, meta.ThresholdUsed)
	}
	if answer != "42 degrees and sunny." {
		t.Errorf("expected cached answer to be served, got %q", answer)
	}
	if chat.Calls() != 1 {
		t.Errorf("expected chat provider called only once (served from cache on second query), got %d", chat.Calls())
	}
}

// TestEngineSemanticHitViaTypoToleranceReportsEffectiveThreshold pins a
// candidate whose hybrid score clears the typo-tolerance rule (b) but falls
// short of the rule-(a) adaptive threshold for a single-row tenant (0.72).
// meta.ThresholdUsed must report rule (b)'s effective bound, not the
// unused rule-(a) threshold.
func TestEngineSemanticHitViaTypoToleranceReportsEffectiveThreshold(t *testing.T) {
	engine, embedder, chat := newTestEngine()
	chat.RegisterResponse("gpt-4o-mini", "Paris is the capital of France.")

	embedder.Register("what is the capital of france", []float32{1, 0})
	embedder.Register("france the capital is of what", []float32{0.68, 0})

	first := []domain.Message{{Role: "user", Content: "what is the capital of france"}}
	if _, meta, err := engine.Query(context.Background(), "acme", first, "gpt-4o-mini", 3600, 0); err != nil || meta.Hit != "miss" {
		t.Fatalf("expected first query to miss cleanly, meta=%+v err=%v", meta, err)
	}

	// Repeat the exact prompt so UseCount exceeds 5, matching the
	// confidence bonus baked into the arithmetic below.
	for i := 0; i < 9; i++ {
		if _, meta, err := engine.Query(context.Background(), "acme", first, "gpt-4o-mini", 3600, 0); err != nil || meta.Hit != "exact" {
			t.Fatalf("expected repeat query %d to exact-hit, meta=%+v err=%v", i, meta, err)
		}
	}

	second := []domain.Message{{Role: "user", Content: "france the capital is of what"}}
	_, meta, err := engine.Query(context.Background(), "acme", second, "gpt-4o-mini", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hit != "semantic" {
		t.Fatalf("expected semantic hit via typo tolerance, got %q (hybrid=%v confidence=%v)", meta.Hit, meta.HybridScore, meta.Confidence)
	}

	// BaseSim=0.68 puts the candidate's hybrid score (~0.713) below the
	// single-row adaptive threshold (0.72), so only rule (b) fires, with
	// an effective bound of max(0.65, 0.68-0.02) = 0.66.
	const wantThreshold = 0.66
	if diff := meta.ThresholdUsed - wantThreshold; diff > 1e-3 || diff < -1e-3 {
		t.Errorf("expected threshold_used near %.4f (rule-b typo-tolerance bound), got %.4f", wantThreshold, meta.ThresholdUsed)
	}
	if meta.ThresholdUsed >= 0.72 {
		t.Errorf("threshold_used %.4f looks like the rule-a adaptive threshold, not the effective rule-b bound", meta.ThresholdUsed)
	}
}

func TestEngineSemanticSearchSkippedWhenNoRows(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.RegisterResponse("m", "first answer")

	messages := []domain.Message{{Role: "user", Content: "anything"}}
	_, meta, err := engine.Query(context.Background(), "acme", messages, "m", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hit != "miss" {
		t.Errorf("expected miss with empty tenant state, got %q", meta.Hit)
	}
}

func TestEngineTenantsAreIsolated(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.RegisterResponse("m", "shared model answer")

	messages := []domain.Message{{Role: "user", Content: "hello"}}
	if _, _, err := engine.Query(context.Background(), "tenant-a", messages, "m", 3600, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, meta, err := engine.Query(context.Background(), "tenant-b", messages, "m", 3600, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Hit != "miss" {
		t.Errorf("expected tenant-b to have its own cache state (miss), got %q", meta.Hit)
	}
	if chat.Calls() != 2 {
		t.Errorf("expected one chat call per isolated tenant, got %d", chat.Calls())
	}
}

func TestEngineChatProviderFatalErrorWrapped(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.FailWith(errors.New("boom: upstream exploded"))

	messages := []domain.Message{{Role: "user", Content: "hello"}}
	_, _, err := engine.Query(context.Background(), "acme", messages, "m", 3600, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	var fatal *domain.FatalProviderError
	if !errors.As(err, &fatal) {
		t.Errorf("expected plain error to be wrapped as FatalProviderError, got %T: %v", err, err)
	}
}

func TestEngineChatProviderTransientErrorPassesThrough(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.FailWith(&domain.TransientProviderError{Cause: errors.New("timeout")})

	messages := []domain.Message{{Role: "user", Content: "hello"}}
	_, _, err := engine.Query(context.Background(), "acme", messages, "m", 3600, 0)
	var transient *domain.TransientProviderError
	if !errors.As(err, &transient) {
		t.Errorf("expected transient error to pass through unwrapped, got %T: %v", err, err)
	}
}

func TestEngineRestoreTenantRebuildsIndex(t *testing.T) {
	engine, _, chat := newTestEngine()
	chat.RegisterResponse("m", "answer")
	messages := []domain.Message{{Role: "user", Content: "hello"}}
	if _, _, err := engine.Query(context.Background(), "acme", messages, "m", 3600, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshot := engine.AllTenants()["acme"].State

	restored := NewEngine(provider.NewStubEmbeddingProvider(), provider.NewStubChatProvider(), 100, nil, nil)
	restored.RestoreTenant(snapshot)

	tn := restored.Tenant("acme")
	if tn.Index.Size() != len(tn.State.Rows) {
		t.Errorf("expected restored index size to match rows, got index=%d rows=%d", tn.Index.Size(), len(tn.State.Rows))
	}
	if _, ok := tn.GetExact("hello"); !ok {
		t.Error("expected restored tenant to retain its exact-match entry")
	}
}
