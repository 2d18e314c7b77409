// Package retry provides a small retry-with-backoff helper shared by every
// outbound call in the loader (object storage, the DMAP API, warehouse
// COPY). Opening the warehouse pool is not retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds retry configuration. Set BaseBackoff == MaxBackoff for a
// fixed-delay retry loop (what spec.md calls for on DMAP HTTP and warehouse
// COPY); leave MaxBackoff larger than BaseBackoff for exponential backoff
// with jitter. Clock defaults to the real clock; tests inject a
// clockwork.FakeClock so backoff delays don't cost real wall-clock time.
type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Clock       clockwork.Clock
}

// Fixed returns a Config that makes at most maxAttempts attempts in total
// (the first call plus maxAttempts-1 retries) with a constant delay, matching spec.md's "retry N times with fixed backoff" wording.
func Fixed(maxAttempts int, delay time.Duration) Config {
	return Config{MaxAttempts: maxAttempts, BaseBackoff: delay, MaxBackoff: delay}
}

// DefaultConfig returns a general-purpose exponential-backoff configuration.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Do calls fn up to cfg.MaxAttempts times in total, retrying while the
// returned error is retryable. Returns the last error if every attempt fails.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := calculateBackoff(cfg.BaseBackoff, cfg.MaxBackoff, attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clock.After(backoff):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// IsRetryable reports whether err looks like a transient transport failure
// worth retrying: network timeouts/resets, and 429/5xx HTTP responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		if strings.Contains(err.Error(), "connection") ||
			strings.Contains(err.Error(), "EOF") ||
			strings.Contains(err.Error(), "broken pipe") ||
			strings.Contains(err.Error(), "connection reset") {
			return true
		}
	}

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
		"eof",
		"broken pipe",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"rate limit",
		"too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// calculateBackoff computes base*2^attempt with jitter, capped at max.
func calculateBackoff(base, max time.Duration, attempt int) time.Duration {
	if base == max {
		return base
	}
	backoff := base * time.Duration(1<<uint(attempt))
	if backoff > max {
		backoff = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}
