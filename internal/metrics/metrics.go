// Package metrics declares the worker's prometheus collectors.
//
// Collectors are package-level and registered with the default registry via
// promauto; the ops server exposes them on /metrics. Labels stay low-
// cardinality: venue names and fixed reason tags only, never market IDs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Price cache ingest.
	PriceUpdatesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_price_updates_accepted_total",
		Help: "Price updates accepted into the cache, by venue.",
	}, []string{"venue"})

	PriceUpdatesDroppedStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_price_updates_dropped_stale_total",
		Help: "Price updates discarded because a fresher point was already stored.",
	}, []string{"venue"})

	PriceUpdatesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_price_updates_malformed_total",
		Help: "Price updates dropped at the cache boundary for failing validation.",
	}, []string{"venue"})

	// Venue stream clients.
	StreamParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_stream_parse_errors_total",
		Help: "Inbound venue messages that failed to parse.",
	}, []string{"venue"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_stream_reconnects_total",
		Help: "Reconnect attempts per venue.",
	}, []string{"venue"})

	SubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "crossarb_subscriptions_active",
		Help: "Currently subscribed market count per venue.",
	}, []string{"venue"})

	// Registry.
	TrackedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossarb_tracked_events",
		Help: "Events currently tracked by the registry.",
	})

	// Evaluator + safety.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crossarb_evaluation_duration_seconds",
		Help:    "Wall time of a single event evaluation pass.",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
	})

	OpportunitiesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossarb_opportunities_emitted_total",
		Help: "Opportunities that passed all safety gates.",
	})

	OpportunitiesBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_opportunities_blocked_total",
		Help: "Opportunities blocked by a safety gate, by reason tag.",
	}, []string{"reason"})

	OpportunityQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossarb_opportunity_queue_drops_total",
		Help: "Oldest opportunities dropped from the bounded emit queue on overflow.",
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crossarb_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	})

	// Lifecycle.
	HeartbeatWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_heartbeat_writes_total",
		Help: "Heartbeat KV write attempts, by outcome (ok, error, skipped).",
	}, []string{"outcome"})

	SnapshotRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crossarb_snapshot_refreshes_total",
		Help: "Market snapshot refresh attempts, by outcome (ok, error).",
	}, []string{"outcome"})

	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crossarb_handler_panics_total",
		Help: "Panics recovered from user-registered handlers.",
	})
)
