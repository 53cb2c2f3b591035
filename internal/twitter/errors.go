package twitter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for Twitter client failures.
var (
	ErrUnreachable = errors.New("twitter unreachable")
	ErrTimeout     = errors.New("twitter request timeout")
	ErrAuthExpired = errors.New("twitter credential expired")
	ErrCircuitOpen = errors.New("twitter circuit open")
)

// RateLimitError is returned for 429 responses. Callers must sleep RetryAfter
// and retry instead of treating it as fatal.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("twitter rate limit exceeded, retry after %s", e.RetryAfter)
}

// APIError is returned for non-2xx responses other than 401/429.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitter request failed: status %d: %s", e.StatusCode, e.Detail)
}

// Retryable reports whether the error is worth retrying: rate limits, 5xx,
// timeouts, and transport failures. 4xx auth/validation errors are not.
func Retryable(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnreachable) {
		return true
	}
	return false
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
