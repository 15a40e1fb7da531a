// Package metrics defines the Prometheus collectors shared by the
// bridge components. Everything registers on the default registry and
// is served from the local HTTP server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RESTRequestsTotal counts completed CarData API exchanges. Code is
	// the HTTP status, or "error" when the exchange never produced one.
	RESTRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmwdata_rest_requests_total",
			Help: "Total number of CarData REST API requests, by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	// RESTRemainingCalls tracks the client-side quota headroom.
	RESTRemainingCalls = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmwdata_rest_remaining_calls",
			Help: "Remaining CarData REST calls in the sliding rate-limit window.",
		},
	)

	// RateLimitHitsTotal counts calls refused locally before reaching the API.
	RateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmwdata_rate_limit_hits_total",
			Help: "Total number of REST calls refused by the client-side rate limiter.",
		},
	)

	// StreamConnected reports the MQTT session state (1=connected).
	StreamConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bmwdata_stream_connected",
			Help: "Whether the telemetry stream is currently connected (1=connected).",
		},
	)

	// StreamReconnectsTotal counts connection attempts after the first.
	StreamReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bmwdata_stream_reconnects_total",
			Help: "Total number of telemetry stream reconnect attempts.",
		},
	)

	// StreamMessagesTotal counts received stream payloads, by outcome.
	StreamMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmwdata_stream_messages_total",
			Help: "Total number of telemetry stream messages, by outcome.",
		},
		[]string{"outcome"}, // ok / malformed / unknown_vehicle
	)

	// MergesTotal counts state-store merges by source.
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmwdata_merges_total",
			Help: "Total number of vehicle state merges, by source.",
		},
		[]string{"source"}, // rest / stream
	)

	// PollCyclesTotal counts coordinator poll cycles by result.
	PollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmwdata_poll_cycles_total",
			Help: "Total number of REST poll cycles, by result.",
		},
		[]string{"result"}, // ok / partial / rate_limited / error
	)

	// PollDuration observes the wall time of a poll cycle.
	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bmwdata_poll_duration_seconds",
			Help:    "Duration of REST poll cycles.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// TokenRefreshesTotal counts token refresh attempts by result.
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bmwdata_token_refreshes_total",
			Help: "Total number of OAuth token refreshes, by result.",
		},
		[]string{"result"}, // success / failure
	)
)
