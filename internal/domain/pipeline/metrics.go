package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus instruments.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	EscalationsTotal prometheus.Counter
	RunDuration      prometheus.Histogram
	TransactionCount prometheus.Histogram
}

// NewMetrics registers the pipeline instruments on reg. Pass
// prometheus.DefaultRegisterer for the usual global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerparse",
			Name:      "runs_total",
			Help:      "Completed processing runs by terminal status.",
		}, []string{"status"}),
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgerparse",
			Name:      "strategy_attempts_total",
			Help:      "Strategy invocations by strategy name and result.",
		}, []string{"strategy", "result"}),
		EscalationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgerparse",
			Name:      "escalations_total",
			Help:      "Escalations to a stronger extraction strategy.",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgerparse",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one document processing run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		TransactionCount: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ledgerparse",
			Name:      "transactions_extracted",
			Help:      "Transactions extracted per successful run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}
