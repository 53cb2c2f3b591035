package twitter

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// resetBuffer is added to the provider's reset time before resuming calls, so
// a clock-skewed reset does not immediately burn the first call of the window.
const resetBuffer = 2 * time.Second

// RateLimitState tracks the provider quota for one credential. A single
// instance lives inside each client and is shared by every job using that
// credential; all access goes through the mutex.
type RateLimitState struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
}

// RateLimitSnapshot is a point-in-time copy of the quota state.
type RateLimitSnapshot struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// NewRateLimitState returns state that permits calls until the first response
// teaches it the real quota.
func NewRateLimitState() *RateLimitState {
	return &RateLimitState{limit: -1, remaining: -1}
}

// Snapshot returns a copy of the current state.
func (s *RateLimitState) Snapshot() RateLimitSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RateLimitSnapshot{Limit: s.limit, Remaining: s.remaining, ResetAt: s.resetAt}
}

// UpdateFromHeaders records the quota reported by an x-rate-limit response.
// Missing headers leave the state untouched.
func (s *RateLimitState) UpdateFromHeaders(h http.Header) {
	limit, limitErr := strconv.Atoi(h.Get("x-rate-limit-limit"))
	remaining, remErr := strconv.Atoi(h.Get("x-rate-limit-remaining"))
	resetUnix, resetErr := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()
	if limitErr == nil {
		s.limit = limit
	}
	if remErr == nil {
		s.remaining = remaining
	}
	if resetErr == nil {
		s.resetAt = time.Unix(resetUnix, 0)
	}
}

// Wait blocks until the quota permits another call: if remaining is at or
// below the safety buffer and the window has not reset, it sleeps until
// resetAt plus a small buffer. Returns early with the context error if the
// context is cancelled during the wait.
func (s *RateLimitState) Wait(ctx context.Context, buffer int) error {
	s.mu.Lock()
	remaining := s.remaining
	resetAt := s.resetAt
	s.mu.Unlock()

	// Unknown quota (before the first response) passes through.
	if remaining < 0 || remaining > buffer {
		return nil
	}

	delay := time.Until(resetAt) + resetBuffer
	if delay <= 0 {
		return nil
	}

	select {
	case <-time.After(delay):
		// Assume the window reset; the next response corrects the state.
		s.mu.Lock()
		s.remaining = s.limit
		s.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports whether more than half the window's quota remains. The
// worker uses this to choose between short and long page pacing.
func (s *RateLimitState) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limit <= 0 || s.remaining < 0 {
		return true
	}
	return s.remaining*2 > s.limit
}
