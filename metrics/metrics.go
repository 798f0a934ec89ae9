// Package metrics provides Prometheus metrics for the chat engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LiveConnections tracks authenticated push connections on this node.
	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "live_connections",
			Help:      "Number of authenticated push connections",
		},
	)

	// ConnectionsRejected counts connections refused during authentication.
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "connections_rejected_total",
			Help:      "Total number of connections refused",
		},
		[]string{"reason"},
	)

	// OnlineUsers tracks users with at least one live connection.
	OnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "online_users",
			Help:      "Number of users currently online",
		},
	)

	// MessageOperations counts committed message mutations.
	MessageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "message_operations_total",
			Help:      "Total number of committed message operations",
		},
		[]string{"operation"},
	)

	// Deliveries counts frames queued onto connections.
	Deliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "deliveries_total",
			Help:      "Total number of frames queued for delivery",
		},
	)

	// DeliveryFailures counts frames dropped because a connection was unreachable.
	DeliveryFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "delivery_failures_total",
			Help:      "Total number of transient delivery failures",
		},
	)

	// TypingSignals counts typing transitions, labelled by how they ended.
	TypingSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "typing_signals_total",
			Help:      "Total number of typing signals broadcast",
		},
		[]string{"kind"},
	)

	// StoreRetries counts write conflicts that were retried.
	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "store_retries_total",
			Help:      "Total number of retried store write conflicts",
		},
	)

	// BusPublishDuration tracks the time spent publishing to the message bus.
	BusPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chat",
			Name:      "bus_publish_duration_seconds",
			Help:      "Duration of fan-out publishes to the message bus",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)
)

// RecordMessageOperation increments the counter for a committed send, edit or delete.
func RecordMessageOperation(operation string) {
	MessageOperations.WithLabelValues(operation).Inc()
}

// RecordDelivery records the outcome of queueing one frame.
func RecordDelivery(ok bool) {
	if ok {
		Deliveries.Inc()
		return
	}
	DeliveryFailures.Inc()
}

// Handler returns the HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}
