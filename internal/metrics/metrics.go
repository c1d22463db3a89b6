package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the coordinator's collectors on a private registry, so several
// instances (one per test) never collide on registration.
type Metrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	events      *prometheus.CounterVec
	liveViews   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_transitions_total",
			Help: "Lifecycle and assignment operations by outcome code.",
		}, []string{"op", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_notifications_total",
			Help: "Notification events published by type.",
		}, []string{"type"}),
		liveViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relief_live_views",
			Help: "Live feed views currently open.",
		}),
	}
	m.registry.MustRegister(m.transitions, m.events, m.liveViews,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Observe counts one operation outcome; outcome is "ok" or an error code.
func (m *Metrics) Observe(op, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

// Published counts one notification event.
func (m *Metrics) Published(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// ViewOpened and ViewClosed track open live views.
func (m *Metrics) ViewOpened() {
	if m != nil {
		m.liveViews.Inc()
	}
}

func (m *Metrics) ViewClosed() {
	if m != nil {
		m.liveViews.Dec()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Transitions exposes the counter vector for tests.
func (m *Metrics) Transitions() *prometheus.CounterVec { return m.transitions }
