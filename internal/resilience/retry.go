package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sathvik-mn/semantiscache/internal/domain"
)

// RetryConfig tunes exponential backoff retry of a provider call.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      bool
}

// DefaultRetryConfig matches the bounds used for outbound Bedrock calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		Jitter:      true,
	}
}

// Retry executes fn with exponential backoff, retrying only on errors that
// are (or wrap) *domain.TransientProviderError or context.DeadlineExceeded.
// Anything else — including *domain.FatalProviderError — returns
// immediately. onRetry, if non-nil, is called once per backoff actually
// taken (i.e. once per retry, not for the initial attempt), so a caller
// can surface a retry-attempt metric.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error, onRetry func()) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry()
			}
			backoff := calculateBackoff(attempt, cfg.BackoffBase, cfg.BackoffMax, cfg.Jitter)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func calculateBackoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt)))
	if backoff > max {
		backoff = max
	}
	if jitter {
		jitterRange := float64(backoff) * 0.25
		jitterAmount := (rand.Float64() - 0.5) * 2 * jitterRange
		backoff += time.Duration(jitterAmount)
	}
	if backoff < 0 {
		backoff = base
	}
	return backoff
}

// isRetryable reports whether err is (or wraps) a
// *domain.TransientProviderError or a context deadline, as opposed to a
// fatal provider failure that retrying cannot fix.
func isRetryable(err error) bool {
	var transient *domain.TransientProviderError
	if errors.As(err, &transient) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
