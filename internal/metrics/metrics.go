// Package metrics exposes session and broker counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/arcwire/relay/internal/broker"
	"github.com/arcwire/relay/internal/session"
)

// Registry wraps a Prometheus registry with collectors over the live session
// manager and broker snapshots.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry builds a registry sampling the given components. Either may be
// nil, in which case its collectors are skipped.
func NewRegistry(sessions *session.Manager, b *broker.Broker) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if sessions != nil {
		registerSessionCollectors(reg, sessions)
	}
	if b != nil {
		registerBrokerCollectors(reg, b)
	}

	return &Registry{reg: reg}
}

// Prometheus returns the underlying registry for HTTP exposition.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

func registerSessionCollectors(reg *prometheus.Registry, m *session.Manager) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_sessions_total",
			Help: "Number of sessions tracked by this instance.",
		}, func() float64 { return float64(m.Snapshot().Sessions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of sessions with at least one live connection.",
		}, func() float64 { return float64(m.Snapshot().ActiveSessions) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of connections attached across all sessions.",
		}, func() float64 { return float64(m.Snapshot().Connections) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_reconnection_tokens",
			Help: "Number of outstanding reconnection tokens.",
		}, func() float64 { return float64(m.Snapshot().Tokens) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_reconnects_total",
			Help: "Number of successful session reconnections.",
		}, func() float64 { return float64(m.Snapshot().Reconnects) }),
	)
}

func registerBrokerCollectors(reg *prometheus.Registry, b *broker.Broker) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Number of messages accepted for delivery.",
		}, func() float64 { return float64(b.Snapshot().Sent) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_messages_delivered_total",
			Help: "Number of messages delivered to at least one target.",
		}, func() float64 { return float64(b.Snapshot().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "relay_messages_failed_total",
			Help: "Number of messages that exhausted delivery attempts or expired.",
		}, func() float64 { return float64(b.Snapshot().Failed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_messages_queued",
			Help: "Number of messages waiting in the retry queue.",
		}, func() float64 { return float64(b.Snapshot().Queued) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_delivery_latency_avg_seconds",
			Help: "Mean publish-to-delivery latency.",
		}, func() float64 { return b.Snapshot().AvgDeliveryLatency.Seconds() }),
	)
}
