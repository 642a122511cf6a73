// Package metrics holds courier's Prometheus collectors.
//
// Collectors are registered on the default registry at init and exposed by the
// /metrics handler. Record helpers are safe for concurrent use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_store_op_duration_seconds",
			Help:    "Duration of chat store operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_store_ops_total",
			Help: "Total number of chat store operations by outcome",
		},
		[]string{"operation", "outcome"}, // "ok", "not_found", "conflict", "timeout", "error"
	)

	// Chat metrics
	ChatsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_chats_created_total",
			Help: "Total number of chats created",
		},
		[]string{"type"},
	)

	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_appended_total",
			Help: "Total number of messages appended to chat ledgers",
		},
		[]string{"path"}, // "single", "broadcast"
	)

	MessagesDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_messages_deduplicated_total",
			Help: "Total number of appends answered from an existing local id",
		},
	)

	// Dispatch metrics
	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_duration_seconds",
			Help:    "Duration of broadcast dispatches in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	DispatchRecipients = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dispatch_recipients_total",
			Help: "Total number of broadcast recipients by outcome",
		},
		[]string{"outcome"}, // "delivered", "failed"
	)

	// WebSocket metrics
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_ws_connections_active",
			Help: "Current number of open WebSocket connections",
		},
	)

	WSEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_ws_events_total",
			Help: "Total number of inbound WebSocket events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	WSEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_ws_events_dropped_total",
			Help: "Total number of outbound events dropped on a full client queue",
		},
	)

	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// RecordStoreOp records a chat store operation.
func RecordStoreOp(operation, outcome string, duration time.Duration) {
	StoreOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	StoreOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordChatCreated counts a newly created chat.
func RecordChatCreated(chatType string) {
	ChatsCreated.WithLabelValues(chatType).Inc()
}

// RecordMessageAppended counts appended messages. n > 1 for broadcasts.
func RecordMessageAppended(path string, n int, duplicated bool) {
	if duplicated {
		MessagesDeduplicated.Inc()
		return
	}
	MessagesAppended.WithLabelValues(path).Add(float64(n))
}

// RecordDispatch records one broadcast dispatch.
func RecordDispatch(duration time.Duration, delivered, failed int) {
	DispatchDuration.Observe(duration.Seconds())
	DispatchRecipients.WithLabelValues("delivered").Add(float64(delivered))
	DispatchRecipients.WithLabelValues("failed").Add(float64(failed))
}

// TrackWSConnection tracks open WebSocket connections.
func TrackWSConnection(inc bool) {
	if inc {
		WSConnectionsActive.Inc()
	} else {
		WSConnectionsActive.Dec()
	}
}

// RecordWSEvent records an inbound WebSocket event.
func RecordWSEvent(eventType string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	WSEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// RecordWSDrop counts an outbound event dropped for a slow client.
func RecordWSDrop() {
	WSEventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request. route is the matched route pattern, not the raw path.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, statusClass(status)).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
