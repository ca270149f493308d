package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	outcomes      *prometheus.CounterVec
	verifyLatency *prometheus.HistogramVec
	creditedTotal *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
}

// NewMetrics registers the reconciliation collectors on reg. A nil registerer
// yields working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_reconcile_outcomes_total",
			Help: "Reconciliation attempts by outcome and trigger source",
		}, []string{"outcome", "source"}),
		verifyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_gateway_verify_duration_seconds",
			Help:    "Payment gateway verification latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "result"}),
		creditedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_applied_minor_units_total",
			Help: "Credit applied to accounts, in minor currency units",
		}, []string{"currency"}),
		sweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_sweep_runs_total",
			Help: "Completed sweep runs by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeOutcome(o *Outcome, source string) {
	m.outcomes.WithLabelValues(string(o.Kind), source).Inc()
	if o.Kind == OutcomeCredited && o.LedgerEntry != nil {
		m.creditedTotal.WithLabelValues(o.LedgerEntry.Currency).Add(float64(o.LedgerEntry.Amount))
	}
}

func (m *Metrics) observeVerify(provider, result string, took time.Duration) {
	m.verifyLatency.WithLabelValues(provider, result).Observe(took.Seconds())
}

func (m *Metrics) observeSweep(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sweepRuns.WithLabelValues(result).Inc()
}
