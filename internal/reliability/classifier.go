// Package reliability classifies upstream failures and retries the ones
// that are worth another attempt.
package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Backoff describes a capped exponential retry schedule.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// IsRetryableHTTPStatus reports whether an upstream status is transient.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies error message types sent over
// streaming synthesis sockets.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "input_timeout_exceeded", "error":
		return true
	default:
		return false
	}
}

// IsTransientNetError reports whether err looks like a connection-level
// hiccup rather than a caller cancellation.
func IsTransientNetError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Do calls fn until it succeeds, reports a permanent failure, or the
// attempts run out. fn returns retry=false to stop immediately. Waiting
// between attempts honours ctx.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) (retry bool, err error)) error {
	attempts := max(b.Attempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(ExponentialBackoff(attempt-1, b.Base, b.Cap))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			}
		}
		retry, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}
