package runner

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of the runner.
type Metrics struct {
	runs        *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// NewMetrics creates and registers the runner metrics on the supplied
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regula",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Completed execution runs by status.",
		}, []string{"status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "regula",
			Subsystem: "runner",
			Name:      "rule_outcomes_total",
			Help:      "Per-rule outcomes across all runs.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "regula",
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of execution runs.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.runs, m.outcomes, m.runDuration)
	return m
}

func (m *Metrics) observeRun(status string, seconds float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(seconds)
}

func (m *Metrics) observeOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}
