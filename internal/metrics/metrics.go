// Package metrics provides Prometheus metrics for pairlink.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairlink"
)

// Metrics contains all Prometheus metrics for the client.
type Metrics struct {
	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	Connects          *prometheus.CounterVec
	Disconnects       *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	HandshakeLatency  *prometheus.HistogramVec
	HandshakeErrors   *prometheus.CounterVec
	KeepalivesSent    *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec

	// Correlator metrics
	RPCCalls              *prometheus.CounterVec
	RPCLatency            *prometheus.HistogramVec
	RPCPending            prometheus.Gauge
	StreamChunksDelivered prometheus.Counter
	StreamChunksBuffered  prometheus.Counter

	// Envelope metrics
	EnvelopesSealed  prometheus.Counter
	EnvelopesOpened  prometheus.Counter
	EnvelopeFailures *prometheus.CounterVec

	// Update metrics
	UpdatesDispatched prometheus.Counter
	HandlerFailures   prometheus.Counter

	// Direct mode metrics
	DirectRequests   *prometheus.CounterVec
	DirectLatency    prometheus.Histogram
	SessionRefreshes *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default
// Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default
// registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// Discard returns a Metrics instance on a private registry. Components use
// it when no metrics are configured.
func Discard() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=disconnected 1=connecting 2=connected 3=error 4=expired)",
		}, []string{"mode"}),
		Connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total connections established by mode",
		}, []string{"mode"}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total disconnections by mode and reason",
		}, []string{"mode", "reason"}),
		ReconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total automatic reconnection attempts by mode",
		}, []string{"mode"}),
		HandshakeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of handshake latency in seconds",
			Buckets:   latencyBuckets,
		}, []string{"mode"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake failures by mode and reason",
		}, []string{"mode", "reason"}),
		KeepalivesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalives_sent_total",
			Help:      "Total keepalive pings sent",
		}, []string{"mode"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total socket frames sent by type",
		}, []string{"type"}),
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total socket frames received by type",
		}, []string{"type"}),

		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "Total tunneled calls by kind and outcome",
		}, []string{"kind", "outcome"}),
		RPCLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_latency_seconds",
			Help:      "Histogram of tunneled call latency in seconds",
			Buckets:   latencyBuckets,
		}, []string{"kind"}),
		RPCPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rpc_pending",
			Help:      "Number of calls and streams awaiting completion",
		}),
		StreamChunksDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_delivered_total",
			Help:      "Total stream chunk batches delivered in order",
		}),
		StreamChunksBuffered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_buffered_total",
			Help:      "Total stream chunk batches that arrived ahead of sequence",
		}),

		EnvelopesSealed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sealed_total",
			Help:      "Total envelopes encrypted",
		}),
		EnvelopesOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_opened_total",
			Help:      "Total envelopes decrypted",
		}),
		EnvelopeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelope_failures_total",
			Help:      "Total rejected inbound envelopes by reason",
		}, []string{"reason"}),

		UpdatesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_dispatched_total",
			Help:      "Total update messages dispatched to handlers",
		}),
		HandlerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Total update handler errors and panics",
		}),

		DirectRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "direct_requests_total",
			Help:      "Total direct-mode HTTP requests by method and status class",
		}, []string{"method", "status"}),
		DirectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "direct_latency_seconds",
			Help:      "Histogram of direct-mode request latency in seconds",
			Buckets:   latencyBuckets,
		}),
		SessionRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_refreshes_total",
			Help:      "Total session token refreshes by outcome",
		}, []string{"outcome"}),
	}
}

// SetConnectionState records the numeric state of the connection in mode.
func (m *Metrics) SetConnectionState(mode string, state int) {
	m.ConnectionState.WithLabelValues(mode).Set(float64(state))
}

// RecordConnect records an established connection.
func (m *Metrics) RecordConnect(mode string) {
	m.Connects.WithLabelValues(mode).Inc()
}

// RecordDisconnect records a connection loss.
func (m *Metrics) RecordDisconnect(mode, reason string) {
	m.Disconnects.WithLabelValues(mode, reason).Inc()
}

// RecordReconnectAttempt records an automatic reconnection attempt.
func (m *Metrics) RecordReconnectAttempt(mode string) {
	m.ReconnectAttempts.WithLabelValues(mode).Inc()
}

// RecordHandshake records handshake latency.
func (m *Metrics) RecordHandshake(mode string, latencySeconds float64) {
	m.HandshakeLatency.WithLabelValues(mode).Observe(latencySeconds)
}

// RecordHandshakeError records a handshake failure.
func (m *Metrics) RecordHandshakeError(mode, reason string) {
	m.HandshakeErrors.WithLabelValues(mode, reason).Inc()
}

// RecordKeepaliveSent records a keepalive ping.
func (m *Metrics) RecordKeepaliveSent(mode string) {
	m.KeepalivesSent.WithLabelValues(mode).Inc()
}

// RecordFrameSent records an outbound frame.
func (m *Metrics) RecordFrameSent(frameType string) {
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived records an inbound frame.
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.FramesReceived.WithLabelValues(frameType).Inc()
}

// RecordCallStarted increments the pending gauge.
func (m *Metrics) RecordCallStarted() {
	m.RPCPending.Inc()
}

// RecordCallFinished decrements the pending gauge and records the outcome.
func (m *Metrics) RecordCallFinished(kind, outcome string, latencySeconds float64) {
	m.RPCPending.Dec()
	m.RPCCalls.WithLabelValues(kind, outcome).Inc()
	m.RPCLatency.WithLabelValues(kind).Observe(latencySeconds)
}

// RecordChunkDelivered records an in-order stream batch delivery.
func (m *Metrics) RecordChunkDelivered() {
	m.StreamChunksDelivered.Inc()
}

// RecordChunkBuffered records a stream batch held for reordering.
func (m *Metrics) RecordChunkBuffered() {
	m.StreamChunksBuffered.Inc()
}

// RecordEnvelopeSealed records an encrypted envelope.
func (m *Metrics) RecordEnvelopeSealed() {
	m.EnvelopesSealed.Inc()
}

// RecordEnvelopeOpened records a decrypted envelope.
func (m *Metrics) RecordEnvelopeOpened() {
	m.EnvelopesOpened.Inc()
}

// RecordEnvelopeFailure records a rejected inbound envelope.
func (m *Metrics) RecordEnvelopeFailure(reason string) {
	m.EnvelopeFailures.WithLabelValues(reason).Inc()
}

// RecordUpdateDispatched records an update fanned out to handlers.
func (m *Metrics) RecordUpdateDispatched() {
	m.UpdatesDispatched.Inc()
}

// RecordHandlerFailure records a handler error or panic.
func (m *Metrics) RecordHandlerFailure() {
	m.HandlerFailures.Inc()
}

// RecordDirectRequest records a direct-mode HTTP request.
func (m *Metrics) RecordDirectRequest(method, status string, latencySeconds float64) {
	m.DirectRequests.WithLabelValues(method, status).Inc()
	m.DirectLatency.Observe(latencySeconds)
}

// RecordSessionRefresh records a token refresh outcome.
func (m *Metrics) RecordSessionRefresh(outcome string) {
	m.SessionRefreshes.WithLabelValues(outcome).Inc()
}
