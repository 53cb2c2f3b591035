// Package metrics exposes prometheus collectors for the sync pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts jobs by terminal outcome.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinhawk_sync_jobs_total",
		Help: "Sync jobs by terminal status.",
	}, []string{"status"})

	// JobsActive tracks jobs currently held by a worker slot.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pinhawk_sync_jobs_active",
		Help: "Sync jobs currently running.",
	})

	// JobsWaiting tracks jobs queued but not yet picked up.
	JobsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pinhawk_sync_jobs_waiting",
		Help: "Sync jobs waiting for a worker slot.",
	})

	// PagesFetched counts bookmark pages fetched from the provider.
	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pinhawk_sync_pages_fetched_total",
		Help: "Bookmark pages fetched from the Twitter API.",
	})

	// BookmarksUpserted counts persisted bookmarks by kind.
	BookmarksUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinhawk_bookmarks_upserted_total",
		Help: "Bookmarks written during persist batches.",
	}, []string{"kind"}) // kind: new | updated

	// BreakerState reports the circuit breaker state (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pinhawk_circuit_breaker_state",
		Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
	}, []string{"name"})

	// BreakerRequests counts calls through the breaker by outcome.
	BreakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pinhawk_circuit_breaker_requests_total",
		Help: "Requests through the circuit breaker by outcome.",
	}, []string{"name", "outcome"}) // outcome: success | failure | rejected
)
