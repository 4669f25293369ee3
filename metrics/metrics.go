// Package metrics exposes the Prometheus collectors of the interception layer.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "overlay"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsOutcome  *prometheus.CounterVec
	liveSessions     prometheus.Gauge
	interceptEntries prometheus.Gauge
	topologyEvents   *prometheus.CounterVec
	edgeStreams      *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Intercepted requests admitted onto the overlay.",
		}),
		sessionsOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "completed_total",
			Help:      "Intercepted requests by terminal outcome.",
		}, []string{"outcome"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "live",
			Help:      "Sessions currently held in the live-session set.",
		}),
		interceptEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "intercept",
			Name:      "entries",
			Help:      "Destinations currently intercepted.",
		}),
		topologyEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "events_total",
			Help:      "Topology events applied, by status and decoded config shape.",
		}, []string{"status", "shape"}),
		edgeStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "edge",
			Name:      "streams_total",
			Help:      "Overlay streams served by the edge, by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.sessionsStarted,
		m.sessionsOutcome,
		m.liveSessions,
		m.interceptEntries,
		m.topologyEvents,
		m.edgeStreams,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("# metrics disabled\n"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Gatherer exposes the registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Metrics) SessionStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

// SessionCompleted records a terminal outcome: "finished", "failed" or "redirected".
func (m *Metrics) SessionCompleted(outcome string) {
	if m != nil {
		m.sessionsOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetLiveSessions(n int) {
	if m != nil {
		m.liveSessions.Set(float64(n))
	}
}

func (m *Metrics) SetInterceptEntries(n int) {
	if m != nil {
		m.interceptEntries.Set(float64(n))
	}
}

func (m *Metrics) TopologyEvent(status, shape string) {
	if m != nil {
		m.topologyEvents.WithLabelValues(status, shape).Inc()
	}
}

// EdgeStream records how an edge stream ended: "ok", "upstream_error" or "rejected".
func (m *Metrics) EdgeStream(outcome string) {
	if m != nil {
		m.edgeStreams.WithLabelValues(outcome).Inc()
	}
}
