// Package metrics provides Prometheus instrumentation for the chat core. It
// exposes gauges for socket and queue occupancy, counters for message and
// notification throughput, and histograms for delivery latency and match
// wait time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpenSockets tracks the current number of live WebSocket connections.
	OpenSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_open_sockets",
		Help: "Current number of live WebSocket connections",
	})

	// MessagesTotal counts messages through the core, labeled by outcome:
	// "committed", "delivered", "rate_limited", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// BroadcastLatency records channel fan-out latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_broadcast_latency_seconds",
		Help:    "Channel broadcast fan-out latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})

	// MatchWait records how long a matched user waited in the queue.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatcore_match_wait_seconds",
		Help:    "Time a matched user spent in the matching queue",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// QueueWaiting tracks the current number of users in the matching queue.
	QueueWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatcore_match_queue_size",
		Help: "Current number of users in the matching queue",
	})

	// NotificationsTotal counts fan-out decisions, labeled "pushed",
	// "skipped_live", "opted_out", or "disabled".
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_notifications_total",
		Help: "Notification fan-out decisions",
	}, []string{"decision"})

	// ReportsTotal counts report lifecycle transitions, labeled by the new
	// status ("pending", "resolved", "dismissed").
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatcore_reports_total",
		Help: "Report lifecycle transitions",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		OpenSockets,
		MessagesTotal,
		BroadcastLatency,
		MatchWait,
		QueueWaiting,
		NotificationsTotal,
		ReportsTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
