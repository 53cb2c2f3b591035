package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pinhawk/pinhawk/internal/config"
	"github.com/pinhawk/pinhawk/internal/metrics"
)

const breakerName = "twitter-api"

// NewBreaker builds the shared circuit breaker protecting the Twitter API.
// One breaker exists per protected downstream dependency, not per job or per
// credential: every client in the process routes calls through it.
//
// The config knobs map onto gobreaker as follows:
//   - FailureThreshold: consecutive failures in closed state that trip to open
//   - SuccessThreshold: consecutive half-open successes that reset to closed
//     (gobreaker's MaxRequests also caps concurrent half-open trials)
//   - Timeout: open -> half-open wait
//   - MonitoringPeriod: closed-state counter reset interval, so stale history
//     does not bias future trip decisions
func NewBreaker(cfg config.BreakerConfig) *gobreaker.CircuitBreaker[any] {
	metrics.BreakerState.WithLabelValues(breakerName).Set(0)

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A 429 means the provider is healthy and telling us to slow
			// down; it must not trip the breaker.
			var rle *RateLimitError
			return err == nil || errors.As(err, &rle)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state change",
				"name", name, "from", stateString(from), "to", stateString(to))
			metrics.BreakerState.WithLabelValues(name).Set(stateFloat(to))
		},
	})
}

// BreakerClient wraps a Client so every call passes through the shared
// circuit breaker. Open-state rejections surface as ErrCircuitOpen without
// touching the network or consuming retry budget.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerClient wraps inner with the shared breaker.
func NewBreakerClient(inner Client, cb *gobreaker.CircuitBreaker[any]) *BreakerClient {
	return &BreakerClient{inner: inner, cb: cb}
}

func (b *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BreakerRequests.WithLabelValues(breakerName, "rejected").Inc()
			counts := b.cb.Counts()
			return nil, fmt.Errorf("%w: %d consecutive failures", ErrCircuitOpen, counts.ConsecutiveFailures)
		}
		metrics.BreakerRequests.WithLabelValues(breakerName, "failure").Inc()
		return nil, err
	}
	metrics.BreakerRequests.WithLabelValues(breakerName, "success").Inc()
	return result, nil
}

func (b *BreakerClient) Bookmarks(ctx context.Context, params BookmarksParams) (*BookmarksPage, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.Bookmarks(ctx, params)
	})
	if err != nil {
		return nil, err
	}
	return result.(*BookmarksPage), nil
}

func (b *BreakerClient) RefreshCredential(ctx context.Context, refreshToken string) (*Credential, error) {
	result, err := b.execute(func() (any, error) {
		return b.inner.RefreshCredential(ctx, refreshToken)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Credential), nil
}

func (b *BreakerClient) RateLimit() RateLimitSnapshot {
	return b.inner.RateLimit()
}

func (b *BreakerClient) QuotaHealthy() bool {
	return b.inner.QuotaHealthy()
}

func stateString(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Compile-time check that BreakerClient implements Client.
var _ Client = (*BreakerClient)(nil)
