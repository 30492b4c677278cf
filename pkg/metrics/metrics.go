// Package metrics provides Prometheus collectors for the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	Connections         prometheus.Gauge
	OutgoingConnections prometheus.Gauge
	DialAttempts        prometheus.Counter
	RejectedIncoming    prometheus.Counter

	// Protocol metrics
	MessagesTotal *prometheus.CounterVec
	HandlerErrors *prometheus.CounterVec

	// Store metrics
	KnownNodesAdded  prometheus.Counter
	InventoryAdded   prometheus.Counter
	InventoryDupSeen prometheus.Counter
}

// New creates collectors registered on a private registry under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live connections (all transports)",
		}),
		OutgoingConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outgoing_connections",
			Help:      "Number of live outgoing connections",
		}),
		DialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dial_attempts_total",
			Help:      "Total number of outgoing dial attempts",
		}),
		RejectedIncoming: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_incoming_total",
			Help:      "Incoming connections closed because the host was already connected",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Received messages by command",
		}, []string{"command"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Message handler failures by command",
		}, []string{"command"}),
		KnownNodesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "known_nodes_added_total",
			Help:      "Known node records created from gossip",
		}),
		InventoryAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_added_total",
			Help:      "Objects newly added to the inventory",
		}),
		InventoryDupSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_duplicates_total",
			Help:      "Object insertions rejected as already known",
		}),
	}
	m.registry.MustRegister(
		m.Connections, m.OutgoingConnections, m.DialAttempts, m.RejectedIncoming,
		m.MessagesTotal, m.HandlerErrors,
		m.KnownNodesAdded, m.InventoryAdded, m.InventoryDupSeen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnections(total, outgoing int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(total))
	m.OutgoingConnections.Set(float64(outgoing))
}

func (m *Metrics) Dialed() {
	if m == nil {
		return
	}
	m.DialAttempts.Inc()
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.RejectedIncoming.Inc()
}

func (m *Metrics) Message(command string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(command).Inc()
}

func (m *Metrics) HandlerFailed(command string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(command).Inc()
}

func (m *Metrics) NodesAdded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.KnownNodesAdded.Add(float64(n))
}

func (m *Metrics) ObjectAdded(added bool) {
	if m == nil {
		return
	}
	if added {
		m.InventoryAdded.Inc()
	} else {
		m.InventoryDupSeen.Inc()
	}
}
