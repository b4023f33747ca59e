package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/sathvik-mn/semantiscache/internal/domain"
	"github.com/sathvik-mn/semantiscache/internal/resilience"
	"github.com/sathvik-mn/semantiscache/internal/routing/health"
	"github.com/sathvik-mn/semantiscache/internal/telemetry"
)

func TestInstrumentedEmbeddingProviderReportsHealthAndCircuitState(t *testing.T) {
	inner := NewStubEmbeddingProvider()
	inner.Register("hello", []float32{1, 0})
	breaker := resilience.NewCircuitBreaker()
	tracker := health.NewTracker()
	metrics := telemetry.NewMetrics(nil)

	p := NewInstrumentedEmbeddingProvider(inner, breaker, tracker, metrics)
	p.retry = resilience.RetryConfig{} // no retries, so failures count 1:1 against the breaker

	if _, err := p.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := tracker.Get("embedding").SuccessCount; got != 1 {
		t.Errorf("expected tracker to record 1 success, got %d", got)
	}
	if status := breaker.Status(circuitGlobalTenant, "embedding"); status.State != resilience.StateClosed {
		t.Errorf("expected circuit to stay closed after success, got %s", status.State)
	}

	inner.FailWith(errors.New("boom: provider unavailable"))
	for i := 0; i < circuitFailureThreshold; i++ {
		if _, err := p.Embed(context.Background(), "hello"); err == nil {
			t.Fatalf("expected failure %d to surface an error", i)
		}
	}

	status := breaker.Status(circuitGlobalTenant, "embedding")
	if status.State != resilience.StateOpen {
		t.Errorf("expected circuit to open after %d failures, got %s", circuitFailureThreshold, status.State)
	}
	if got := tracker.Get("embedding").HealthScore; got >= 1.0 {
		t.Errorf("expected health score to drop below 1.0 after failures, got %v", got)
	}

	// The circuit is now open, so AllowRequest rejects before the inner
	// provider is even called, and the rejection itself is reported as a
	// transient error rather than the underlying stub failure.
	_, err := p.Embed(context.Background(), "hello")
	var transient *domain.TransientProviderError
	if !errors.As(err, &transient) {
		t.Errorf("expected open-circuit rejection to be a TransientProviderError, got %T: %v", err, err)
	}
}
