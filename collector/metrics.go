package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collector's Prometheus counters.
type Metrics struct {
	Cycles   prometheus.Counter
	Uploads  *prometheus.CounterVec
	Failures *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "goscope",
			Name:      "rotation_cycles_total",
			Help:      "Total number of rotation cycles attempted",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goscope",
			Name:      "profile_uploads_total",
			Help:      "Profile upload attempts by status",
		}, []string{"status"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goscope",
			Name:      "rotation_failures_total",
			Help:      "Rotation cycle step failures by stage",
		}, []string{"stage"}),
	}
	reg.MustRegister(m.Cycles, m.Uploads, m.Failures)
	return m
}
