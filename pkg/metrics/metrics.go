// Package metrics provides Prometheus instrumentation for one messenger
// instance. Every instance owns its registry so several peers can coexist in
// one process without collector collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	PeersDiscovered  prometheus.Counter
	PeersConnected   prometheus.Counter
	ConnectionsOpen  prometheus.Gauge
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	FilesReceived    prometheus.Counter
	DatagramsDropped prometheus.Counter
	FramesRejected   prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		PeersDiscovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_discovered_total",
			Help:      "Distinct peers seen via discovery announcements",
		}),
		PeersConnected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_connected_total",
			Help:      "Sessions that reached the connected state",
		}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Currently open peer connections",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Envelopes queued to the wire",
		}),
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Envelopes decoded from peers",
		}),
		FilesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_received_total",
			Help:      "File envelopes persisted to disk",
		}),
		DatagramsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_datagrams_dropped_total",
			Help:      "Malformed discovery datagrams dropped",
		}),
		FramesRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames rejected for truncation, decode failure, or size",
		}),
	}
}

// Handler serves the instance's metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
