package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics tracks applied mutations. Exposition is the host's concern; the
// engine only maintains the counters.
type metrics struct {
	applied *prometheus.CounterVec
	errors  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loki",
			Name:      "mischief_applied_total",
			Help:      "Number of applied plugin mutations.",
		}, []string{"plugin", "severity"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loki",
			Name:      "mischief_plugin_errors_total",
			Help:      "Number of plugin executions that returned an error.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.applied, m.errors)
	}
	return m
}

func (m *metrics) recordApplied(plugin, severity string) {
	m.applied.WithLabelValues(plugin, severity).Inc()
}

func (m *metrics) recordError() {
	m.errors.Inc()
}
