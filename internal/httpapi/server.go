// Package httpapi is the request pipeline: a manually-routed net/http mux
// exposing health, metrics, query, events and chat-completion endpoints over
// the cache engine, guarded by bearer-token authentication against the key
// registry.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sathvik-mn/semantiscache/internal/cache"
	"github.com/sathvik-mn/semantiscache/internal/domain"
	"github.com/sathvik-mn/semantiscache/internal/routing/health"
	"github.com/sathvik-mn/semantiscache/internal/telemetry"
)

const serviceVersion = "1.0.0"

// maxChatBodyBytes bounds POST /v1/chat/completions request bodies.
const maxChatBodyBytes = 1 << 20

// Server is the HTTP API server fronting the cache engine.
type Server struct {
	engine      *cache.Engine
	keyRegistry domain.KeyRegistry
	logger      *slog.Logger
	mux         *http.ServeMux
	defaultTTL  int
	startTime   time.Time
	metrics     *telemetry.Metrics
	tracker     *health.Tracker
}

// NewServer builds a Server wired to engine and keyRegistry. defaultTTL is
// the TTL (seconds) applied to GET /query, which has no ttl parameter of its
// own. metrics and tracker may be nil, in which case request/cache
// instrumentation and the /health provider breakdown are skipped
// respectively.
func NewServer(engine *cache.Engine, keyRegistry domain.KeyRegistry, logger *slog.Logger, defaultTTL int, metrics *telemetry.Metrics, tracker *health.Tracker) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:      engine,
		keyRegistry: keyRegistry,
		logger:      logger,
		mux:         http.NewServeMux(),
		defaultTTL:  defaultTTL,
		startTime:   time.Now(),
		metrics:     metrics,
		tracker:     tracker,
	}
	s.setupRoutes()
	return s
}

// Handler returns the top-level HTTP handler, CORS-wrapped.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", s.withAuth(s.handleMetrics))
	s.mux.HandleFunc("GET /query", s.withAuth(s.handleQuery))
	s.mux.HandleFunc("GET /events", s.withAuth(s.handleEvents))
	s.mux.HandleFunc("POST /v1/chat/completions", s.withAuth(s.handleChatCompletions))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authContext carries the authenticated tenant and raw token through a
// request.
type authContext struct {
	TenantID string
	RawToken string
}

// withAuth wraps handler with bearer-token authentication against the key
// registry, per §6. Malformed or invalid keys short-circuit with 401 before
// handler ever runs.
func (s *Server) withAuth(handler func(http.ResponseWriter, *http.Request, *authContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.writeError(w, http.StatusUnauthorized, "Missing or invalid API key")
			return
		}
		rawToken := strings.TrimPrefix(authHeader, "Bearer ")
		if rawToken == "" {
			s.writeError(w, http.StatusUnauthorized, "Missing or invalid API key")
			return
		}

		tenantID, _, err := s.keyRegistry.Validate(r.Context(), rawToken)
		if err != nil {
			var unauthorized *domain.Unauthorized
			if errors.As(err, &unauthorized) {
				s.writeError(w, http.StatusUnauthorized, unauthorized.Reason)
				return
			}
			s.logger.Warn("key registry validation failed", "error", err)
			s.writeError(w, http.StatusUnauthorized, "Missing or invalid API key")
			return
		}

		if err := s.keyRegistry.RecordUse(r.Context(), rawToken, tenantID); err != nil {
			s.logger.Warn("failed to record api key use", "error", err, "tenant", tenantID)
		}

		handler(w, r, &authContext{TenantID: tenantID, RawToken: rawToken})
	}
}

// handleHealth handles GET /health. No authentication. When a health
// tracker is wired, the response includes a per-provider breakdown so an
// operator can see a degraded embedding or chat collaborator without
// scraping Prometheus.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"service": "semantiscache",
		"version": serviceVersion,
	}
	if s.tracker != nil {
		body["providers"] = s.tracker.All()
	}
	s.writeJSON(w, http.StatusOK, body)
}

// handleMetrics handles GET /metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request, auth *authContext) {
	t := s.engine.Tenant(auth.TenantID)
	t.State.Mu.RLock()
	snapshot := t.Metrics()
	t.State.Mu.RUnlock()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tenant":  auth.TenantID,
		"metrics": snapshot,
	})
}

// handleQuery handles GET /query?prompt=<str>&model=<str>.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, auth *authContext) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "prompt is required")
		return
	}
	model := r.URL.Query().Get("model")
	if model == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "model is required")
		return
	}

	var rec *telemetry.RequestRecorder
	if s.metrics != nil {
		rec = s.metrics.NewRequestRecorder(auth.TenantID)
	}

	messages := []domain.Message{{Role: "user", Content: prompt}}
	answer, meta, err := s.engine.Query(r.Context(), auth.TenantID, messages, model, s.defaultTTL, 0)
	if err != nil {
		if rec != nil {
			rec.RecordDone("miss", "error")
		}
		s.writeEngineError(w, err)
		return
	}

	t := s.engine.Tenant(auth.TenantID)
	t.State.Mu.RLock()
	snapshot := t.Metrics()
	entries := len(t.State.Rows)
	t.State.Mu.RUnlock()

	if rec != nil {
		s.recordQueryMetrics(rec, auth.TenantID, meta, entries)
	}

	if logErr := s.keyRegistry.LogUsage(r.Context(), auth.RawToken, auth.TenantID, "/query", hitCount(meta), missCount(meta), meta.TokensUsed, meta.CostUSD); logErr != nil {
		s.logger.Warn("failed to log usage", "error", logErr, "tenant", auth.TenantID)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"answer":  answer,
		"meta":    meta,
		"metrics": snapshot,
	})
}

// handleEvents handles GET /events?limit=<1..1000>.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, auth *authContext) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, "limit must be an integer")
			return
		}
		limit = parsed
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	t := s.engine.Tenant(auth.TenantID)
	t.State.Mu.RLock()
	events := latestEvents(t.State.Events, limit)
	t.State.Mu.RUnlock()

	s.writeJSON(w, http.StatusOK, events)
}

// latestEvents returns up to limit of events in reverse-chronological order.
func latestEvents(events []domain.CacheEvent, limit int) []domain.CacheEvent {
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]domain.CacheEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}

// chatCompletionRequest is the body of POST /v1/chat/completions.
type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	TTLSeconds  int              `json:"ttl_seconds"`
}

// chatCompletionResponse mirrors the OpenAI chat completion response shape,
// per §4.11.
type chatCompletionResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []chatChoice   `json:"choices"`
	Usage   *chatUsage     `json:"usage"`
	Meta    cache.QueryMeta `json:"meta"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      domain.Message `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type chatUsage struct {
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"cost_usd"`
}

// handleChatCompletions handles POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, auth *authContext) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "failed to read request body")
		return
	}

	if err := validateAgainstSchema(body, chatCompletionSchema); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var req chatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid JSON body")
		return
	}

	if req.TTLSeconds < 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "ttl_seconds must not be negative")
		return
	}

	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	var rec *telemetry.RequestRecorder
	if s.metrics != nil {
		rec = s.metrics.NewRequestRecorder(auth.TenantID)
	}

	answer, meta, err := s.engine.Query(r.Context(), auth.TenantID, req.Messages, req.Model, ttl, req.Temperature)
	if err != nil {
		if rec != nil {
			rec.RecordDone("miss", "error")
		}
		s.writeEngineError(w, err)
		return
	}

	if rec != nil {
		t := s.engine.Tenant(auth.TenantID)
		t.State.Mu.RLock()
		entries := len(t.State.Rows)
		t.State.Mu.RUnlock()
		s.recordQueryMetrics(rec, auth.TenantID, meta, entries)
	}

	if logErr := s.keyRegistry.LogUsage(r.Context(), auth.RawToken, auth.TenantID, "/v1/chat/completions", hitCount(meta), missCount(meta), meta.TokensUsed, meta.CostUSD); logErr != nil {
		s.logger.Warn("failed to log usage", "error", logErr, "tenant", auth.TenantID)
	}

	var usage *chatUsage
	if meta.TokensUsed > 0 || meta.CostUSD > 0 {
		usage = &chatUsage{TotalTokens: meta.TokensUsed, CostUSD: meta.CostUSD}
	}

	s.writeJSON(w, http.StatusOK, chatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      domain.Message{Role: "assistant", Content: answer},
			FinishReason: "stop",
		}},
		Usage: usage,
		Meta:  meta,
	})
}

// recordQueryMetrics mirrors one Query outcome into the Prometheus
// collectors, plus the entries gauge for the tenant's current cache size.
// No-op when metrics is nil (e.g. in tests that build a Server directly).
func (s *Server) recordQueryMetrics(rec *telemetry.RequestRecorder, tenantID string, meta cache.QueryMeta, entries int) {
	if s.metrics == nil {
		return
	}
	status := "200"
	rec.RecordDone(meta.Hit, status)
	switch meta.Hit {
	case "exact", "semantic":
		s.metrics.RecordCacheHit(tenantID, meta.Hit, meta.TokensUsed, meta.CostUSD)
	case "miss":
		s.metrics.RecordCacheMiss(tenantID)
	}
	s.metrics.RecordCacheLookup(tenantID, meta.Hit != "miss", time.Duration(meta.LatencyMs)*time.Millisecond)
	s.metrics.UpdateCacheEntries(tenantID, entries)
}

func hitCount(meta cache.QueryMeta) int {
	if meta.Hit == "miss" {
		return 0
	}
	return 1
}

func missCount(meta cache.QueryMeta) int {
	if meta.Hit == "miss" {
		return 1
	}
	return 0
}

// writeEngineError maps a cache engine error to the §7 status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var transient *domain.TransientProviderError
	var fatal *domain.FatalProviderError
	var invariant *domain.InternalInvariant

	switch {
	case errors.As(err, &transient):
		if errors.Is(err, context.DeadlineExceeded) {
			s.writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &fatal):
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case errors.As(err, &invariant):
		s.logger.Error("internal invariant violated", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "provider deadline exceeded")
	default:
		s.logger.Error("unhandled engine error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": message,
	})
}
