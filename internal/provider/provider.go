// Package provider implements EmbeddingProvider and ChatProvider clients
// (production Bedrock-backed and deterministic stubs for testing).
package provider

import (
	"net/http"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// BuildHTTPClient builds an http.Client tuned by connection settings. Used
// as the transport for the Bedrock SDK's config (both the data-plane
// client and the control-plane health check), so pool/timeout settings
// apply uniformly instead of relying on the SDK's untuned default.
func BuildHTTPClient(settings domain.ConnectionSettings) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        settings.MaxIdleConnections,
		MaxIdleConnsPerHost: settings.MaxIdleConnections,
		MaxConnsPerHost:     settings.MaxConnections,
		IdleConnTimeout:     time.Duration(settings.IdleTimeoutSec) * time.Second,
		DisableKeepAlives:   !settings.EnableKeepAlive,
		ForceAttemptHTTP2:   settings.EnableHTTP2,
	}

	return &http.Client{
		Timeout:   time.Duration(settings.RequestTimeoutSec) * time.Second,
		Transport: transport,
	}
}
