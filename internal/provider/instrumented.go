package provider

import (
	"context"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
	"github.com/sathvik-mn/semantiscache/internal/resilience"
	"github.com/sathvik-mn/semantiscache/internal/routing/health"
	"github.com/sathvik-mn/semantiscache/internal/telemetry"
)

// circuitGlobalTenant is the circuit-breaker key used for the single
// process-wide embedder/chat provider pair. The breaker's key shape keeps
// a tenant dimension for forward compatibility with per-tenant provider
// routing, but every request currently shares one embedder and one chat
// provider, so there is only one tenant bucket.
const circuitGlobalTenant = "global"

const (
	circuitFailureThreshold = 5
	circuitOpenTimeoutSec   = 30
)

// InstrumentedEmbeddingProvider wraps a domain.EmbeddingProvider with retry,
// circuit-breaking, health tracking and telemetry, so provider-call
// resilience is uniform regardless of which concrete client is configured.
type InstrumentedEmbeddingProvider struct {
	inner   domain.EmbeddingProvider
	name    string
	breaker *resilience.CircuitBreaker
	tracker *health.Tracker
	metrics *telemetry.Metrics
	retry   resilience.RetryConfig
}

// NewInstrumentedEmbeddingProvider wraps inner with the shared resilience
// stack.
func NewInstrumentedEmbeddingProvider(inner domain.EmbeddingProvider, breaker *resilience.CircuitBreaker, tracker *health.Tracker, metrics *telemetry.Metrics) *InstrumentedEmbeddingProvider {
	return &InstrumentedEmbeddingProvider{
		inner:   inner,
		name:    "embedding",
		breaker: breaker,
		tracker: tracker,
		metrics: metrics,
		retry:   resilience.DefaultRetryConfig(),
	}
}

// Embed implements domain.EmbeddingProvider.
func (p *InstrumentedEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	allowed, err := p.breaker.AllowRequest(ctx, circuitGlobalTenant, p.name, circuitFailureThreshold, circuitOpenTimeoutSec)
	if !allowed {
		return nil, &domain.TransientProviderError{Cause: err}
	}

	var out []float32
	start := time.Now()
	callErr := resilience.Retry(ctx, p.retry, func() error {
		var embedErr error
		out, embedErr = p.inner.Embed(ctx, text)
		return embedErr
	}, func() {
		if p.metrics != nil {
			p.metrics.RecordRetryAttempt(p.name)
		}
	})
	duration := time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordProviderCall(p.name, duration, callErr)
	}
	if callErr != nil {
		p.tracker.RecordFailure(p.name)
		p.breaker.RecordFailure(ctx, circuitGlobalTenant, p.name, circuitFailureThreshold)
		p.reportHealth(ctx)
		return nil, callErr
	}
	p.tracker.RecordSuccess(p.name, float64(duration.Milliseconds()))
	p.breaker.RecordSuccess(ctx, circuitGlobalTenant, p.name)
	p.reportHealth(ctx)
	return out, nil
}

// reportHealth mirrors the circuit breaker's current state and the
// tracker's rolling health score into telemetry, after every call so both
// gauges stay current without a separate polling loop.
func (p *InstrumentedEmbeddingProvider) reportHealth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	status := p.breaker.Status(circuitGlobalTenant, p.name)
	p.metrics.UpdateCircuitBreakerState(circuitGlobalTenant, p.name, string(status.State))
	p.metrics.UpdateProviderHealth(p.name, p.tracker.Get(p.name).HealthScore)
}

// InstrumentedChatProvider wraps a domain.ChatProvider with the same
// resilience stack as InstrumentedEmbeddingProvider.
type InstrumentedChatProvider struct {
	inner   domain.ChatProvider
	name    string
	breaker *resilience.CircuitBreaker
	tracker *health.Tracker
	metrics *telemetry.Metrics
	retry   resilience.RetryConfig
}

// NewInstrumentedChatProvider wraps inner with the shared resilience stack.
func NewInstrumentedChatProvider(inner domain.ChatProvider, breaker *resilience.CircuitBreaker, tracker *health.Tracker, metrics *telemetry.Metrics) *InstrumentedChatProvider {
	return &InstrumentedChatProvider{
		inner:   inner,
		name:    "chat",
		breaker: breaker,
		tracker: tracker,
		metrics: metrics,
		retry:   resilience.DefaultRetryConfig(),
	}
}

// Complete implements domain.ChatProvider.
func (p *InstrumentedChatProvider) Complete(ctx context.Context, req domain.ChatRequest) (string, int64, float64, error) {
	allowed, err := p.breaker.AllowRequest(ctx, circuitGlobalTenant, p.name, circuitFailureThreshold, circuitOpenTimeoutSec)
	if !allowed {
		return "", 0, 0, &domain.TransientProviderError{Cause: err}
	}

	var (
		text       string
		tokensUsed int64
		costUSD    float64
	)
	start := time.Now()
	callErr := resilience.Retry(ctx, p.retry, func() error {
		var completeErr error
		text, tokensUsed, costUSD, completeErr = p.inner.Complete(ctx, req)
		return completeErr
	}, func() {
		if p.metrics != nil {
			p.metrics.RecordRetryAttempt(p.name)
		}
	})
	duration := time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordProviderCall(p.name, duration, callErr)
	}
	if callErr != nil {
		p.tracker.RecordFailure(p.name)
		p.breaker.RecordFailure(ctx, circuitGlobalTenant, p.name, circuitFailureThreshold)
		p.reportHealth(ctx)
		return "", 0, 0, callErr
	}
	p.tracker.RecordSuccess(p.name, float64(duration.Milliseconds()))
	p.breaker.RecordSuccess(ctx, circuitGlobalTenant, p.name)
	p.reportHealth(ctx)
	return text, tokensUsed, costUSD, nil
}

// reportHealth mirrors the circuit breaker's current state and the
// tracker's rolling health score into telemetry, after every call so both
// gauges stay current without a separate polling loop.
func (p *InstrumentedChatProvider) reportHealth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	status := p.breaker.Status(circuitGlobalTenant, p.name)
	p.metrics.UpdateCircuitBreakerState(circuitGlobalTenant, p.name, string(status.State))
	p.metrics.UpdateProviderHealth(p.name, p.tracker.Get(p.name).HealthScore)
}
