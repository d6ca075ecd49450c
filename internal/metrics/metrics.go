// Package metrics exposes Prometheus instrumentation for the chat service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks currently open WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campusfind_chat_active_connections",
		Help: "Number of currently open WebSocket connections.",
	})

	// ActiveRooms tracks rooms with at least one subscribed connection.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campusfind_chat_active_rooms",
		Help: "Number of rooms with at least one live subscriber.",
	})

	// MessagesProcessed counts send_message outcomes by result.
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusfind_chat_messages_total",
		Help: "Processed message sends partitioned by outcome.",
	}, []string{"outcome"})

	// MessagesDenied counts sends rejected before persistence, by reason.
	MessagesDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusfind_chat_messages_denied_total",
		Help: "Message sends denied before persistence, by reason code.",
	}, []string{"reason"})

	// PipelineDuration observes end-to-end send pipeline latency.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "campusfind_chat_pipeline_duration_seconds",
		Help:    "End-to-end latency of the message send pipeline.",
		Buckets: prometheus.DefBuckets,
	})

	// BroadcastFanout observes how many connections each broadcast reached.
	BroadcastFanout = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "campusfind_chat_broadcast_fanout",
		Help:    "Connections reached per message broadcast.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})

	// AuthFailures counts rejected connection upgrades.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusfind_chat_auth_failures_total",
		Help: "WebSocket upgrade attempts rejected at authentication.",
	})

	// RateLimited counts rate limiter denials by rule.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campusfind_chat_rate_limited_total",
		Help: "Operations denied by the rate limiter, by rule.",
	}, []string{"rule"})

	// MessagesPurged counts messages hard-deleted by the retention sweep.
	MessagesPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campusfind_chat_messages_purged_total",
		Help: "Expired messages deleted by the retention sweeper.",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
