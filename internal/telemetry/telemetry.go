// Package telemetry instruments the cache engine and its providers with
// Prometheus metrics and carries a structured logger through request
// context. The process does not expose a Prometheus scrape endpoint
// (GET /metrics returns a JSON snapshot instead); these metrics exist for
// operators who wire their own scraper against the registry.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors relevant to the cache and its
// two outbound collaborators.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheEntries *prometheus.GaugeVec
	CacheLatency *prometheus.HistogramVec

	TokensSaved *prometheus.CounterVec
	CostSavedUSD *prometheus.CounterVec

	ProviderRequests *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec
	RetryAttempts       *prometheus.CounterVec

	ProviderHealthScore *prometheus.GaugeVec
}

// NewMetrics registers every collector against registry (or the default
// registerer if nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_requests_total", Help: "Total /query and chat completion requests."},
			[]string{"tenant_id", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semantiscache_request_duration_seconds",
				Help:    "Request duration in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"tenant_id", "hit"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{Name: "semantiscache_requests_in_flight", Help: "Requests currently being processed."},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_cache_hits_total", Help: "Total cache hits by kind."},
			[]string{"tenant_id", "kind"}, // kind: exact, semantic
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_cache_misses_total", Help: "Total cache misses."},
			[]string{"tenant_id"},
		),
		CacheEntries: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "semantiscache_cache_entries", Help: "Cache entries per tenant."},
			[]string{"tenant_id"},
		),
		CacheLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semantiscache_cache_lookup_seconds",
				Help:    "Cache lookup latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"tenant_id", "hit"},
		),

		TokensSaved: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_tokens_saved_total", Help: "Estimated tokens saved via cache hits."},
			[]string{"tenant_id"},
		),
		CostSavedUSD: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_cost_saved_usd_total", Help: "Estimated cost saved via cache hits, in USD."},
			[]string{"tenant_id"},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_provider_requests_total", Help: "Total outbound provider calls."},
			[]string{"provider"}, // embedding, chat
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_provider_errors_total", Help: "Total outbound provider errors."},
			[]string{"provider", "error_type"},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "semantiscache_provider_latency_seconds",
				Help:    "Outbound provider call latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "semantiscache_circuit_breaker_state", Help: "0=closed, 1=half-open, 2=open."},
			[]string{"tenant_id", "provider"},
		),
		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "semantiscache_retry_attempts_total", Help: "Total provider-call retries."},
			[]string{"provider"},
		),

		ProviderHealthScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "semantiscache_provider_health_score", Help: "Provider health score, 0 to 1."},
			[]string{"provider"},
		),
	}
}

// RequestRecorder tracks one in-flight /query or chat completion request.
type RequestRecorder struct {
	metrics   *Metrics
	tenantID  string
	startTime time.Time
}

// NewRequestRecorder starts timing a request and increments the in-flight gauge.
func (m *Metrics) NewRequestRecorder(tenantID string) *RequestRecorder {
	m.RequestsInFlight.Inc()
	return &RequestRecorder{metrics: m, tenantID: tenantID, startTime: time.Now()}
}

// RecordDone records the outcome of a request started by NewRequestRecorder.
func (r *RequestRecorder) RecordDone(hit string, status string) {
	duration := time.Since(r.startTime).Seconds()
	r.metrics.RequestsInFlight.Dec()
	r.metrics.RequestsTotal.WithLabelValues(r.tenantID, status).Inc()
	r.metrics.RequestDuration.WithLabelValues(r.tenantID, hit).Observe(duration)
}

// RecordCacheHit records a cache hit of the given kind ("exact" or
// "semantic") and its estimated savings.
func (m *Metrics) RecordCacheHit(tenantID, kind string, tokensSaved int64, costSaved float64) {
	m.CacheHits.WithLabelValues(tenantID, kind).Inc()
	if tokensSaved > 0 {
		m.TokensSaved.WithLabelValues(tenantID).Add(float64(tokensSaved))
	}
	if costSaved > 0 {
		m.CostSavedUSD.WithLabelValues(tenantID).Add(costSaved)
	}
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(tenantID string) {
	m.CacheMisses.WithLabelValues(tenantID).Inc()
}

// RecordCacheLookup records cache lookup latency.
func (m *Metrics) RecordCacheLookup(tenantID string, hit bool, duration time.Duration) {
	hitStr := "false"
	if hit {
		hitStr = "true"
	}
	m.CacheLatency.WithLabelValues(tenantID, hitStr).Observe(duration.Seconds())
}

// UpdateCacheEntries sets the cache entries gauge for a tenant.
func (m *Metrics) UpdateCacheEntries(tenantID string, count int) {
	m.CacheEntries.WithLabelValues(tenantID).Set(float64(count))
}

// RecordProviderCall records the outcome and latency of one outbound
// provider call.
func (m *Metrics) RecordProviderCall(provider string, duration time.Duration, err error) {
	m.ProviderRequests.WithLabelValues(provider).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(duration.Seconds())
	if err != nil {
		m.ProviderErrors.WithLabelValues(provider, errorType(err)).Inc()
	}
}

func errorType(err error) string {
	switch err.(type) {
	case interface{ Timeout() bool }:
		return "timeout"
	default:
		return "error"
	}
}

// UpdateCircuitBreakerState mirrors a circuit breaker's state into the gauge.
func (m *Metrics) UpdateCircuitBreakerState(tenantID, provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(tenantID, provider).Set(v)
}

// RecordRetryAttempt records one retry of an outbound provider call.
func (m *Metrics) RecordRetryAttempt(provider string) {
	m.RetryAttempts.WithLabelValues(provider).Inc()
}

// UpdateProviderHealth mirrors a provider's health score into the gauge.
func (m *Metrics) UpdateProviderHealth(provider string, score float64) {
	m.ProviderHealthScore.WithLabelValues(provider).Set(score)
}

// Logger is the structured-logging interface carried through request
// context. *slog.Logger does not satisfy it directly (its With returns
// *slog.Logger), and nothing in this module stores one in a context, so
// LoggerFromContext returns the no-op logger unless a caller adds one.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	With(fields ...any) Logger
}

type loggerContextKey struct{}

// LoggerFromContext retrieves the logger stored by ContextWithLogger, or a
// no-op logger if none was stored.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
		return l
	}
	return noopLogger{}
}

// ContextWithLogger attaches logger to ctx.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}
func (l noopLogger) With(fields ...any) Logger     { return l }
