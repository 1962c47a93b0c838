package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropReasonNoPeer       = "no_peer"
	DropReasonUnregistered = "unregistered"
	DropReasonUnknownKind  = "unknown_kind"
	DropReasonMalformed    = "malformed"
	DropReasonWriteFailed  = "write_failed"
	DropReasonDestination  = "invalid_destination"
)

const namespace = "signaling"

// Metrics holds the relay's collectors on a private registry so tests can
// create as many relays as they like.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	Registrations     *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
	SlotOccupied      *prometheus.GaugeVec
	Forwarded         *prometheus.CounterVec
	Dropped           *prometheus.CounterVec
	Buffered          *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Transports accepted by the relay.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Transports currently open.",
		}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Role registrations by role.",
		}, []string{"role"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_evictions_total",
			Help:      "Slot holders evicted, by role and cause.",
		}, []string{"role", "cause"}),
		SlotOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slot_occupied",
			Help:      "1 when the role slot holds a connection.",
		}, []string{"role"}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Signaling messages forwarded to a peer, by kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Signaling messages not delivered, by reason.",
		}, []string{"reason"}),
		Buffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_buffered_total",
			Help:      "Offers/answers held for a late-joining peer, by kind.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.Registrations,
		m.Evictions,
		m.SlotOccupied,
		m.Forwarded,
		m.Dropped,
		m.Buffered,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
