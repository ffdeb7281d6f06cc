package budget

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes the Cost Governor's three accumulators as Prometheus
// gauges behind an optional /metrics endpoint (see the run/resume
// --metrics-addr flag). Grounded on the example pack's own pattern of a
// dedicated registry plus promhttp.HandlerFor rather than the global
// default registry, so multiple runs in one process never collide.
type Metrics struct {
	registry  *prometheus.Registry
	runCost   *prometheus.GaugeVec
	phaseCost *prometheus.GaugeVec
	loopCost  *prometheus.GaugeVec
	breaches  *prometheus.CounterVec
}

// NewMetrics creates a fresh registry and registers the Governor's gauges.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqrun_run_cost_usd",
			Help: "Accumulated cost in USD for a run.",
		}, []string{"run_id"}),
		phaseCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqrun_phase_cost_usd",
			Help: "Accumulated cost in USD for a run's phase.",
		}, []string{"run_id", "phase"}),
		loopCost: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sqrun_loop_cost_usd",
			Help: "Accumulated cost in USD for one active build loop.",
		}, []string{"run_id", "loop_id"}),
		breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqrun_cost_breaches_total",
			Help: "Count of cost limit breaches observed, by scope.",
		}, []string{"run_id", "scope"}),
	}
	m.registry.MustRegister(m.runCost, m.phaseCost, m.loopCost, m.breaches)
	return m
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(runID, phase, loopID string, runTotal, phaseTotal, loopTotal float64) {
	m.runCost.WithLabelValues(runID).Set(runTotal)
	m.phaseCost.WithLabelValues(runID, phase).Set(phaseTotal)
	if loopID != "" {
		m.loopCost.WithLabelValues(runID, loopID).Set(loopTotal)
	}
}

func (m *Metrics) observeBreach(runID, scope string) {
	m.breaches.WithLabelValues(runID, scope).Inc()
}
