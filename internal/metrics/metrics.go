// Package metrics holds the Prometheus instrumentation of the engine.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orekh_requests_total",
			Help: "Correlated requests by outcome",
		},
		[]string{"outcome"},
	)

	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orekh_pending_requests",
			Help: "Correlated requests waiting for a reply",
		},
	)

	connectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orekh_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 online)",
		},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orekh_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orekh_messages_total",
			Help: "Messages handled by direction",
		},
		[]string{"direction"},
	)

	historySyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orekh_history_syncs_total",
			Help: "History sync runs by outcome",
		},
		[]string{"outcome"},
	)

	callsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orekh_calls_total",
			Help: "Finished calls by end reason",
		},
		[]string{"reason"},
	)

	uploadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orekh_upload_bytes_total",
			Help: "Bytes transferred by completed uploads",
		},
	)

	uploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orekh_uploads_total",
			Help: "Upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			requestsTotal,
			pendingRequests,
			connectionState,
			reconnectAttempts,
			messagesTotal,
			historySyncs,
			callsTotal,
			uploadBytes,
			uploadsTotal,
		)
	})
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest counts a finished correlated request.
func RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// SetPendingRequests records the size of the pending request table.
func SetPendingRequests(n int) {
	pendingRequests.Set(float64(n))
}

// SetConnectionState records the connection state ordinal.
func SetConnectionState(state int) {
	connectionState.Set(float64(state))
}

// RecordReconnectAttempt counts one scheduled reconnect.
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordMessage counts a message by direction (inbound, outbound).
func RecordMessage(direction string) {
	messagesTotal.WithLabelValues(direction).Inc()
}

// RecordHistorySync counts a history sync by outcome.
func RecordHistorySync(outcome string) {
	historySyncs.WithLabelValues(outcome).Inc()
}

// RecordCallEnded counts a finished call.
func RecordCallEnded(reason string) {
	callsTotal.WithLabelValues(reason).Inc()
}

// RecordUpload counts an upload attempt; bytes is added on success.
func RecordUpload(outcome string, bytes int64) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		uploadBytes.Add(float64(bytes))
	}
}
