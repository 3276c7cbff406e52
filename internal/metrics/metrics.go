// Package metrics provides Prometheus metrics for the tunnel relay.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tunnel_relay"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Transport connections
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ConnectionDuration  prometheus.Histogram

	// Tunnel table
	TunnelsActive       prometheus.Gauge
	TunnelsCreated      prometheus.Counter
	TunnelsClosed       prometheus.Counter
	TunnelsReplaced     prometheus.Counter
	TunnelsReaped       prometheus.Counter
	MessagesReceived    *prometheus.CounterVec
	MessageErrors       *prometheus.CounterVec
	MessageHandlePanics prometheus.Counter

	// Forwarded sockets
	ClientsActive    prometheus.Gauge
	ClientsTotal     prometheus.Counter
	ClientDialErrors prometheus.Counter
	DialLatency      prometheus.Histogram
	BytesForwarded   *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates metrics registered with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open transport connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total transport connections accepted by transport and channel",
		}, []string{"transport", "channel"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Transport connections rejected before dispatch, by reason",
		}, []string{"reason"}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of transport connections",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),

		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Number of live tunnel sessions",
		}),
		TunnelsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_created_total",
			Help:      "Total proxyCreated messages that produced a session",
		}),
		TunnelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_closed_total",
			Help:      "Total sessions closed by proxyClosed",
		}),
		TunnelsReplaced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_replaced_total",
			Help:      "Total sessions overwritten by a duplicate proxyCreated",
		}),
		TunnelsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnels_reaped_total",
			Help:      "Total sessions closed because their transport went away",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by event",
		}, []string{"event"}),
		MessageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_errors_total",
			Help:      "Dropped inbound messages by error type",
		}, []string{"error_type"}),
		MessageHandlePanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_handle_panics_total",
			Help:      "Panics recovered while handling a message",
		}),

		ClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_active",
			Help:      "Number of open forwarded sockets",
		}),
		ClientsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_total",
			Help:      "Total forwarded sockets opened",
		}),
		ClientDialErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_dial_errors_total",
			Help:      "Total failed dials to a tunnel's remote port",
		}),
		DialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_dial_latency_seconds",
			Help:      "Histogram of dial latency to the forwarded port",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Bytes forwarded through tunnels by direction",
		}, []string{"direction"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages by event",
		}, []string{"event"}),
	}
}

// Byte directions.
const (
	DirectionInbound  = "inbound"  // peer to forwarded socket
	DirectionOutbound = "outbound" // forwarded socket to peer
)

// RecordConnectionOpen records an accepted transport connection.
func (m *Metrics) RecordConnectionOpen(transport, channel string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(transport, channel).Inc()
}

// RecordConnectionClose records the end of a transport connection.
func (m *Metrics) RecordConnectionClose(lifetime time.Duration) {
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.Observe(lifetime.Seconds())
}

// RecordConnectionRejected records a connection dropped before dispatch.
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordMessage records an inbound message.
func (m *Metrics) RecordMessage(event string) {
	m.MessagesReceived.WithLabelValues(event).Inc()
}

// RecordMessageError records a dropped inbound message.
func (m *Metrics) RecordMessageError(errorType string) {
	m.MessageErrors.WithLabelValues(errorType).Inc()
}

// RecordPanic records a recovered handler panic.
func (m *Metrics) RecordPanic() {
	m.MessageHandlePanics.Inc()
}

// RecordTunnelCreated records a new session. replaced is true when the
// session overwrote a live entry, in which case the active count is unchanged.
func (m *Metrics) RecordTunnelCreated(replaced bool) {
	m.TunnelsCreated.Inc()
	if replaced {
		m.TunnelsReplaced.Inc()
		return
	}
	m.TunnelsActive.Inc()
}

// RecordTunnelClosed records a session removed by proxyClosed.
func (m *Metrics) RecordTunnelClosed() {
	m.TunnelsClosed.Inc()
	m.TunnelsActive.Dec()
}

// RecordTunnelsReaped records sessions closed on transport disconnect.
func (m *Metrics) RecordTunnelsReaped(n int) {
	if n <= 0 {
		return
	}
	m.TunnelsReaped.Add(float64(n))
	m.TunnelsActive.Sub(float64(n))
}

// RecordClientOpen records a successful dial.
func (m *Metrics) RecordClientOpen(latency time.Duration) {
	m.ClientsActive.Inc()
	m.ClientsTotal.Inc()
	m.DialLatency.Observe(latency.Seconds())
}

// RecordClientClose records a closed forwarded socket.
func (m *Metrics) RecordClientClose() {
	m.ClientsActive.Dec()
}

// RecordDialError records a failed dial.
func (m *Metrics) RecordDialError() {
	m.ClientDialErrors.Inc()
}

// RecordBytes records forwarded bytes in the given direction.
func (m *Metrics) RecordBytes(direction string, n int) {
	m.BytesForwarded.WithLabelValues(direction).Add(float64(n))
}

// RecordSent records an outbound message.
func (m *Metrics) RecordSent(event string) {
	m.MessagesSent.WithLabelValues(event).Inc()
}

// NewDiscard returns metrics registered with a private registry that is
// never exported. Components fall back to it when built without metrics.
func NewDiscard() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}
