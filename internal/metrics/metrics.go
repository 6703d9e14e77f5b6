// Package metrics provides Prometheus instrumentation for the clinic
// realtime layer: connection gauges per channel, message counters by outcome,
// admin event counters by type, and fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of live WebSocket connections,
	// labeled by channel: "chat" or "admin".
	Connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medibook_realtime_connections",
		Help: "Current number of live WebSocket connections by channel",
	}, []string{"channel"})

	// MessagesTotal counts chat send outcomes, labeled by result:
	// "delivered", "rejected", or "store_error".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medibook_realtime_messages_total",
		Help: "Total chat send operations by outcome",
	}, []string{"result"})

	// AdminEventsTotal counts admin broadcast emits by event type.
	AdminEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "medibook_realtime_admin_events_total",
		Help: "Total admin domain events emitted",
	}, []string{"type"})

	// BroadcastLatency records the time from a validated send to fan-out
	// completion, in seconds (persistence included).
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "medibook_realtime_broadcast_latency_seconds",
		Help:    "Latency from accepted send to room fan-out completion",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomMembers tracks the number of sessions in the shared admin room.
	RoomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medibook_realtime_room_members",
		Help: "Current room membership for tracked rooms",
	}, []string{"room"})
)

func init() {
	prometheus.MustRegister(
		Connections,
		MessagesTotal,
		AdminEventsTotal,
		BroadcastLatency,
		RoomMembers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
