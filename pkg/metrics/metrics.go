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
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
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

	// LLMRequestsTotal counts upstream sends by outcome (success, transient, rejected).
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Upstream completion sends",
		},
		[]string{"family", "deployment", "outcome"},
	)

	// LLMRequestDuration tracks synchronous completion latency.
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Synchronous completion latency",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"family", "deployment"},
	)

	// LLMRetriesTotal counts local retries against the same slot.
	LLMRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_local_retries_total",
			Help: "Local retries after a transient provider error",
		},
		[]string{"family"},
	)

	// LLMRotationsTotal counts credential slot rotations.
	LLMRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_slot_rotations_total",
			Help: "Credential slot rotations",
		},
		[]string{"family", "reason"},
	)

	// LLMExhaustedTotal counts calls that failed on every slot.
	LLMExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_exhausted_capacity_total",
			Help: "Calls failing on every slot of a family",
		},
		[]string{"family"},
	)

	// VisionRoutingTotal counts image turns rerouted or bridged.
	VisionRoutingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_vision_routing_total",
			Help: "Image turns handled by the vision family",
		},
		[]string{"requested", "mode"},
	)

	// QuotaWaitSeconds tracks time callers spend waiting for quota.
	QuotaWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_quota_wait_seconds",
			Help:    "Time spent waiting for an endpoint quota slot",
			Buckets: []float64{.05, .1, .5, 1, 5, 10, 20, 30, 45, 60},
		},
		[]string{"deployment"},
	)

	// SummariesTotal counts rolling summary updates.
	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_summaries_total",
			Help: "Rolling summary updates",
		},
		[]string{"status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// StreamConnectionsActive tracks open streaming responses.
	StreamConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active streaming responses",
		},
	)

	// NATSStreamMessages tracks messages in the event stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in the event stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// ConversationEventsTotal counts published conversation events.
	ConversationEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_events_total",
			Help: "Conversation events published",
		},
		[]string{"type"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"type"},
	)

	// MessagesTotal tracks total messages appended.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementStreamConnections increments the active stream count.
func IncrementStreamConnections() {
	StreamConnectionsActive.Inc()
}

// DecrementStreamConnections decrements the active stream count.
func DecrementStreamConnections() {
	StreamConnectionsActive.Dec()
}
