package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"

	"github.com/pinhawk/pinhawk/internal/twitter"
)

type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// retryWithBackoff runs op up to maxAttempts times. Delay doubles from
// baseDelay, capped at maxDelay, with ±50% jitter so concurrent jobs do not
// retry in lockstep. A rate-limit error overrides the computed delay with the
// provider's retry-after hint. The retryable predicate decides which errors
// are worth another attempt; the rest return immediately.
func retryWithBackoff(ctx context.Context, cfg retryConfig, retryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(cfg, attempt, lastErr)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", cfg.maxAttempts, lastErr)
}

func backoffDelay(cfg retryConfig, attempt int, err error) time.Duration {
	var rle *twitter.RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}

	delay := cfg.baseDelay << (attempt - 1)
	if delay > cfg.maxDelay {
		delay = cfg.maxDelay
	}
	// ±50% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay)+1)) - delay/2
	return delay + jitter
}

// transientStorageError matches the timeout/connection-reset class of storage
// failures worth retrying; constraint and data errors are not.
func transientStorageError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
