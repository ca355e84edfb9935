package engine

import (
	"context"
	"errors"
	"time"

	"github.com/corvid-labs/weft/pkg/schema"
)

// IsRetryableError classifies whether a node error should be retried.
// Unknown-node-type dispatch errors and cancellation never benefit from a
// retry; handler failures and attempt timeouts do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var werr *schema.WeftError
	if errors.As(err, &werr) {
		return werr.IsRetryable()
	}

	// Default: retryable — the per-node retry budget limits attempts.
	return true
}

// Backoff computes the sleep before the next attempt: base × 2^(attempt-1),
// where attempt is the 1-based attempt that just failed. The first retry
// waits the base backoff, the second waits double, and so on.
func Backoff(baseSeconds, attempt int) time.Duration {
	if baseSeconds <= 0 || attempt <= 0 {
		return 0
	}
	multiplier := time.Duration(1)
	for i := 1; i < attempt; i++ {
		multiplier *= 2
	}
	return time.Duration(baseSeconds) * time.Second * multiplier
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
