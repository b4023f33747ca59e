package provider

import (
	"sync"
	"time"
)

// Health penalties applied to a credential after a failed call, matching
// the severity ordering of a real provider gateway: auth failures are
// expensive (likely to keep failing), rate limits are cheap (likely
// transient).
const (
	HealthPenaltyDefault   = 0.05
	HealthPenaltyRateLimit = 0.02
	HealthPenaltyAuthError = 0.5
	HealthRecoveryRate     = 0.01
)

// Failure classifications used by RecordFailure to pick a penalty.
const (
	ErrorTypeRateLimit = "rate_limit"
	ErrorTypeAuthError = "auth_error"
	ErrorTypeTimeout   = "timeout"
	ErrorTypeServer    = "server_error"
)

// Credential is one set of AWS IAM credentials available to reach
// Bedrock, ranked by Priority (lower first). HealthScore is adjusted on
// each outcome but is not consulted when KeySelector picks a credential.
type Credential struct {
	ID              string
	AccessKeyID     string
	SecretAccessKey string
	Priority        int
	HealthScore     float64

	RateLimitRemaining *int
	RateLimitResetAt   *time.Time
}

// KeySelector picks the best available credential for outbound Bedrock
// calls, in memory: round-robin within the top priority tier, skipping
// anything currently rate-limited, falling back to the credential with
// the soonest rate-limit reset if every credential is currently limited.
type KeySelector struct {
	mu            sync.Mutex
	credentials   []*Credential
	roundRobinIdx int
}

// NewKeySelector builds a selector over a fixed set of credentials,
// registered once at startup from configuration.
func NewKeySelector(credentials []*Credential) *KeySelector {
	return &KeySelector{credentials: credentials}
}

// Select returns the best available credential, or nil if none are
// registered.
func (ks *KeySelector) Select() *Credential {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if len(ks.credentials) == 0 {
		return nil
	}

	available := make([]*Credential, 0, len(ks.credentials))
	for _, c := range ks.credentials {
		if !isRateLimited(c) {
			available = append(available, c)
		}
	}
	if len(available) == 0 {
		return selectByResetTime(ks.credentials)
	}

	minPriority := available[0].Priority
	for _, c := range available {
		if c.Priority < minPriority {
			minPriority = c.Priority
		}
	}
	var top []*Credential
	for _, c := range available {
		if c.Priority == minPriority {
			top = append(top, c)
		}
	}

	idx := ks.roundRobinIdx % len(top)
	ks.roundRobinIdx++
	return top[idx]
}

func isRateLimited(c *Credential) bool {
	if c.RateLimitRemaining == nil || c.RateLimitResetAt == nil {
		return false
	}
	return *c.RateLimitRemaining <= 0 && time.Now().Before(*c.RateLimitResetAt)
}

func selectByResetTime(credentials []*Credential) *Credential {
	var earliest *Credential
	var earliestTime time.Time
	for _, c := range credentials {
		if c.RateLimitResetAt != nil {
			if earliest == nil || c.RateLimitResetAt.Before(earliestTime) {
				earliest = c
				earliestTime = *c.RateLimitResetAt
			}
		}
	}
	if earliest != nil {
		return earliest
	}
	return credentials[0]
}

// RecordSuccess nudges a credential's health score back up and records
// its latest rate-limit window.
func (ks *KeySelector) RecordSuccess(id string, rateLimitRemaining int, rateLimitResetAt time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, c := range ks.credentials {
		if c.ID != id {
			continue
		}
		c.HealthScore = min64(1.0, c.HealthScore+HealthRecoveryRate)
		remaining := rateLimitRemaining
		c.RateLimitRemaining = &remaining
		reset := rateLimitResetAt
		c.RateLimitResetAt = &reset
		return
	}
}

// RecordFailure penalizes a credential's health score according to the
// kind of failure observed.
func (ks *KeySelector) RecordFailure(id, errorType string) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for _, c := range ks.credentials {
		if c.ID != id {
			continue
		}
		c.HealthScore = max64Local(0, c.HealthScore-healthPenalty(errorType))
		return
	}
}

func healthPenalty(errorType string) float64 {
	switch errorType {
	case ErrorTypeRateLimit:
		return HealthPenaltyRateLimit
	case ErrorTypeAuthError:
		return HealthPenaltyAuthError
	default:
		return HealthPenaltyDefault
	}
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64Local(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
