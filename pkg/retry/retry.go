package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds retry configuration. Backoff grows as
// Base * Factor^attempt, capped at Max.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Factor      float64
	MaxBackoff  time.Duration

	// RetryIf decides whether a failed attempt is worth retrying.
	// Defaults to IsRetryable.
	RetryIf func(error) bool

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the retry configuration used for generic provider
// failures.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		Factor:      2,
		MaxBackoff:  60 * time.Second,
	}
}

// RateLimitConfig returns the steeper retry configuration used once a
// provider has signalled a rate limit.
func RateLimitConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseBackoff: 5 * time.Second,
		Factor:      3,
		MaxBackoff:  60 * time.Second,
	}
}

// Do executes fn with exponential backoff retry. Returns the last error if
// all attempts fail.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(Backoff(cfg, attempt-1)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryIf(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff returns the wait before retry number attempt+1 (attempt is
// zero-based): min(Base * Factor^attempt, Max).
func Backoff(cfg Config, attempt int) time.Duration {
	factor := cfg.Factor
	if factor <= 0 {
		factor = 2
	}
	backoff := time.Duration(float64(cfg.BaseBackoff) * math.Pow(factor, float64(attempt)))
	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}
	return backoff
}

// IsRetryable checks if an error is worth retrying at all: transient
// network and provider failures are, everything else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context cancellation is not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Check for HTTP status codes
	type hasStatusCode interface {
		StatusCode() int
	}
	var sc hasStatusCode
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection closed",
		"connection reset",
		"broken pipe",
		"eof",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"rate-limit",
		"too many requests",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
