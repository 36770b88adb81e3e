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
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// BackendDuration tracks calls to the analysis backend.
	BackendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Analysis backend call duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "outcome"},
	)

	// SSEConnectionsActive tracks active SSE relays.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SyncItemsTotal tracks sync queue items by outcome.
	SyncItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_items_total",
			Help: "Sync queue items processed, by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	// SyncQueueLength tracks the local outbox size after each drain.
	SyncQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_queue_length",
			Help: "Items waiting in the local sync queue",
		},
	)

	// WizardTransitionsTotal tracks wizard state transitions.
	WizardTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wizard_transitions_total",
			Help: "Wizard state transitions by source, target and result",
		},
		[]string{"from", "to", "result"},
	)

	// ClassifierDuration tracks LLM classifier latency.
	ClassifierDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_classify_duration_seconds",
			Help:    "LLM input classification duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"provider", "status"},
	)

	// GatewayEventsTotal tracks audit events published to NATS.
	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Audit and telemetry events published",
		},
		[]string{"subject", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordBackendCall records metrics for one analysis backend call.
func RecordBackendCall(operation, outcome string, duration float64) {
	BackendDuration.WithLabelValues(operation, outcome).Observe(duration)
}

// RecordSyncItem records the outcome of processing one sync queue item.
func RecordSyncItem(op, outcome string) {
	SyncItemsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordTransition records an accepted or rejected wizard transition.
func RecordTransition(from, to string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	WizardTransitionsTotal.WithLabelValues(from, to, result).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
