// Package metrics provides Prometheus metrics for PeerLink.
// Counters and gauges for transports, peers, messages, group fan-out,
// events and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Transports ─────────────────────────────────────────────────────────────

// TransportUp is 1 for the current state of each transport, 0 otherwise.
var TransportUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "peerlink",
	Name:      "transport_state",
	Help:      "Transport state (1 for the current state of each transport).",
}, []string{"transport", "state"})

// TransportSends tracks sends by transport and result.
var TransportSends = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "transport_sends_total",
	Help:      "Total payloads handed to transports, by result.",
}, []string{"transport", "result"})

// TransportSendLatency tracks how long a transport's send primitive takes.
var TransportSendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "peerlink",
	Name:      "transport_send_latency_seconds",
	Help:      "Transport send duration in seconds.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
}, []string{"transport"})

// ─── Peers ──────────────────────────────────────────────────────────────────

// PeersDiscovered tracks newly persisted peers from discovery.
var PeersDiscovered = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "peers_discovered_total",
	Help:      "Peers seen for the first time during discovery.",
})

// ConnectAttempts tracks each attempt in a connect fallback chain.
var ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "peer_connect_attempts_total",
	Help:      "Connect attempts by transport and result.",
}, []string{"transport", "result"})

// ─── Messages ───────────────────────────────────────────────────────────────

// Messages tracks message status transitions.
var Messages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "messages_total",
	Help:      "Messages by status reached (pending, sent, delivered, read, failed).",
}, []string{"status"})

// ─── Groups ─────────────────────────────────────────────────────────────────

// FanoutRecipients tracks per-recipient outcomes of group sends.
var FanoutRecipients = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "group_fanout_recipients_total",
	Help:      "Group fan-out recipient outcomes by send type and result.",
}, []string{"type", "result"})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsPublished tracks events emitted on the bus.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "events_published_total",
	Help:      "Events published by type.",
}, []string{"type"})

// EventsDropped tracks events dropped for slow subscribers.
var EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "events_dropped_total",
	Help:      "Events dropped because a subscriber buffer was full.",
}, []string{"type"})

// ─── Relay ──────────────────────────────────────────────────────────────────

// RelayConnections tracks peers attached to the local websocket relay hub.
var RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "peerlink",
	Name:      "relay_connections",
	Help:      "Peers currently attached to the relay hub.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "peerlink",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "peerlink",
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// SetTransportState flips the state gauge so exactly one state is 1.
func SetTransportState(transport, state string) {
	for _, s := range []string{"active", "inactive", "error", "connecting"} {
		v := 0.0
		if s == state {
			v = 1
		}
		TransportUp.WithLabelValues(transport, s).Set(v)
	}
}
