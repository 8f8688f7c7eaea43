// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesSentTotal tracks messages sent through the core.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"kind"},
	)

	// SendFailuresTotal tracks persisted-write failures that rolled
	// back an optimistic message.
	SendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Total send failures rolled back",
		},
	)

	// SubscriptionRetriesTotal tracks watch retry attempts by source
	// and error code.
	SubscriptionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_subscription_retries_total",
			Help: "Total live-subscription retry attempts",
		},
		[]string{"source", "code"},
	)

	// SubscriptionFailuresTotal tracks watches that exhausted their
	// retry budget.
	SubscriptionFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_subscription_failures_total",
			Help: "Total live subscriptions that gave up retrying",
		},
		[]string{"source"},
	)

	// TimelineSize tracks the reconciled timeline length per delivery.
	TimelineSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_timeline_messages",
			Help:    "Reconciled timeline length",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// StreamConnectionsActive tracks active SSE/WebSocket timeline
	// connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_stream_connections_active",
			Help: "Active timeline stream connections",
		},
		[]string{"transport"},
	)

	// ConversationsEnsuredTotal tracks conversation bootstrap writes.
	ConversationsEnsuredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_conversations_ensured_total",
			Help: "Total conversation bootstrap upserts",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRetry records a live-subscription retry attempt.
func RecordRetry(source, code string) {
	SubscriptionRetriesTotal.WithLabelValues(source, code).Inc()
}

// IncStreamConnections increments the active stream connection count.
func IncStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecStreamConnections decrements the active stream connection count.
func DecStreamConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
