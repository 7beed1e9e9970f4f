// Package prometheus provides Prometheus metrics for live sessions, tool calls
// and gateway requests.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "visionclaw"

var (
	// sessionTransitionsTotal counts session state transitions by target state.
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session state transitions",
		},
		[]string{"to"},
	)

	// sessionsReady is 1 while a session is in the ready state.
	sessionsReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_ready",
			Help:      "Number of sessions currently ready for media",
		},
	)

	// framesSentTotal counts outbound frames by kind.
	framesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the live transport",
		},
		[]string{"kind"}, // setup, audio, video, tool_response
	)

	// videoFramesDroppedTotal counts video frames dropped by the throttle.
	videoFramesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_dropped_total",
			Help:      "Total number of video frames dropped by the send throttle",
		},
	)

	// messagesReceivedTotal counts decoded inbound messages by variant.
	messagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of inbound messages by variant",
		},
		[]string{"variant"},
	)

	// decodeErrorsTotal counts inbound frames that could not be decoded.
	decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of malformed inbound frames skipped",
		},
	)

	// toolCallDuration is a histogram of tool call duration.
	toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool", "status"},
	)

	// toolCallsTotal is a counter of tool calls by terminal status.
	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Total number of tool calls",
		},
		[]string{"tool", "status"}, // status: completed, failed, cancelled
	)

	// toolCallsActive is a gauge of tool calls currently in flight.
	toolCallsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tool_calls_active",
			Help:      "Number of tool calls currently in flight",
		},
	)

	// gatewayRequestDuration is a histogram of gateway call duration.
	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Duration of gateway chat completion calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"outcome"},
	)

	// gatewayRequestsTotal is a counter of gateway calls by outcome.
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Total number of gateway chat completion calls",
		},
		[]string{"outcome"}, // success, unreachable, auth, timeout, status, bad_response
	)

	// historyLength is the current conversation history length.
	historyLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_length",
			Help:      "Current number of turns in the gateway conversation history",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionTransitionsTotal,
		sessionsReady,
		framesSentTotal,
		videoFramesDroppedTotal,
		messagesReceivedTotal,
		decodeErrorsTotal,
		toolCallDuration,
		toolCallsTotal,
		toolCallsActive,
		gatewayRequestDuration,
		gatewayRequestsTotal,
		historyLength,
	}
)

// RecordStateTransition records a session state change.
func RecordStateTransition(from, to string) {
	sessionTransitionsTotal.WithLabelValues(to).Inc()
	if to == "ready" {
		sessionsReady.Inc()
	}
	if from == "ready" && to != "ready" {
		sessionsReady.Dec()
	}
}

// RecordFrameSent records an outbound frame.
func RecordFrameSent(kind string) {
	framesSentTotal.WithLabelValues(kind).Inc()
}

// RecordVideoFrameDropped records a throttled video frame.
func RecordVideoFrameDropped() {
	videoFramesDroppedTotal.Inc()
}

// RecordMessageReceived records a decoded inbound message.
func RecordMessageReceived(variant string) {
	messagesReceivedTotal.WithLabelValues(variant).Inc()
}

// RecordDecodeError records a skipped malformed frame.
func RecordDecodeError() {
	decodeErrorsTotal.Inc()
}

// RecordToolCallStart records a tool call entering flight.
func RecordToolCallStart() {
	toolCallsActive.Inc()
}

// RecordToolCall records a tool call reaching a terminal status.
func RecordToolCall(toolName, status string, durationSeconds float64) {
	toolCallsActive.Dec()
	toolCallDuration.WithLabelValues(toolName, status).Observe(durationSeconds)
	toolCallsTotal.WithLabelValues(toolName, status).Inc()
}

// RecordToolCallRejected records a tool call answered without dispatch.
func RecordToolCallRejected(toolName string) {
	toolCallsTotal.WithLabelValues(toolName, "rejected").Inc()
}

// RecordGatewayRequest records a gateway call.
func RecordGatewayRequest(outcome string, durationSeconds float64) {
	gatewayRequestDuration.WithLabelValues(outcome).Observe(durationSeconds)
	gatewayRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordHistoryLength records the current history length.
func RecordHistoryLength(n int) {
	historyLength.Set(float64(n))
}
