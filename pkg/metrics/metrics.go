// Package metrics provides Prometheus observability for the connector
// layer. Every connector reports through the shared vectors defined here,
// labeled by platform and connector instance name, in addition to the
// per-connector ThroughputMetrics snapshot exposed on the client contract.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsConsumed counts events delivered to handlers
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_events_consumed_total",
			Help: "Total events delivered to caller-supplied handlers",
		},
		[]string{"platform", "connector"},
	)

	// EventsProduced counts confirmed produced events
	EventsProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_events_produced_total",
			Help: "Total events confirmed by the broker",
		},
		[]string{"platform", "connector"},
	)

	// BytesConsumed counts inbound payload bytes
	BytesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_bytes_consumed_total",
			Help: "Total inbound payload bytes",
		},
		[]string{"platform", "connector"},
	)

	// BytesProduced counts outbound payload bytes
	BytesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_bytes_produced_total",
			Help: "Total outbound payload bytes",
		},
		[]string{"platform", "connector"},
	)

	// Reconnects counts reconnect attempts by outcome
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_reconnects_total",
			Help: "Reconnect attempts by outcome (success, failure, exhausted)",
		},
		[]string{"platform", "connector", "outcome"},
	)

	// HandlerErrors counts handler invocations that returned an error
	HandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_handler_errors_total",
			Help: "Handler invocations that returned an error",
		},
		[]string{"platform", "connector"},
	)

	// ThrottleEvents counts platform throttling responses
	ThrottleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streambridge_throttle_events_total",
			Help: "Platform throttling responses that widened the poll interval",
		},
		[]string{"platform", "connector"},
	)

	// BatchSize observes physical batch sizes sent by batch producers
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streambridge_batch_size",
			Help:    "Events per physical batch call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"platform", "connector"},
	)

	// ConnectionState reports the connector lifecycle state as a gauge
	// (0 disconnected, 1 connecting, 2 connected, 3 consuming,
	// 4 producing, 5 reconnecting, 6 failed)
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streambridge_connection_state",
			Help: "Connector lifecycle state",
		},
		[]string{"platform", "connector"},
	)
)
