// Package metrics exposes Prometheus collectors for the pairing relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tillscan"

// Metrics groups the relay collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	issued   prometheus.Counter
	claims   *prometheus.CounterVec
	scans    prometheus.Counter
	dropped  prometheus.Counter
	closed   *prometheus.CounterVec
	sessions prometheus.Gauge
	peers    *prometheus.GaugeVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_issued_total",
			Help:      "Pairing sessions issued.",
		}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Phone bind attempts by result.",
		}, []string{"result"}),
		scans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_relayed_total",
			Help:      "Scans forwarded to a desktop.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_dropped_total",
			Help:      "Scans discarded because the session was not connected.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions removed from the store by reason.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions currently held in the store.",
		}),
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Open relay connections by role.",
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.issued, m.claims, m.scans, m.dropped, m.closed, m.sessions, m.peers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionIssued() {
	if m == nil {
		return
	}
	m.issued.Inc()
}

// Claim records a bind attempt. result is "ok" or an error kind.
func (m *Metrics) Claim(result string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(result).Inc()
}

func (m *Metrics) ScanRelayed() {
	if m == nil {
		return
	}
	m.scans.Inc()
}

func (m *Metrics) ScanDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

// SessionClosed records a removal; reason is "stopped", "disconnected",
// "expired" or "timed_out".
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.closed.WithLabelValues(reason).Inc()
}

// SetLiveSessions sets the live session gauge.
func (m *Metrics) SetLiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

// PeerConnected adjusts the open connection gauge for role by delta.
func (m *Metrics) PeerConnected(role string, delta int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues(role).Add(float64(delta))
}
