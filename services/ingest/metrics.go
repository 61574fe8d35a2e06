package ingest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks receiver outcomes.
type Metrics struct {
	Accepted      prometheus.Counter
	Rejected      *prometheus.CounterVec
	LateArrivals  prometheus.Counter
	StoreDuration prometheus.Histogram
	SideEffects   *prometheus.CounterVec
}

// NewMetrics registers the receiver metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Accepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ransomeye_ingest_events_accepted_total",
			Help: "Envelopes accepted and stored",
		}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ransomeye_ingest_events_rejected_total",
			Help: "Envelopes rejected, by error code",
		}, []string{"code"}),
		LateArrivals: factory.NewCounter(prometheus.CounterOpts{
			Name: "ransomeye_ingest_late_arrivals_total",
			Help: "Accepted envelopes observed more than an hour before receipt",
		}),
		StoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ransomeye_ingest_store_duration_seconds",
			Help:    "Duration of the transactional store of one envelope",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		SideEffects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ransomeye_ingest_side_effect_failures_total",
			Help: "Publish and archive failures after an envelope was stored",
		}, []string{"kind"}),
	}
}

// ObserveStore records the duration of a store call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveStore(start time.Time) {
	m.StoreDuration.Observe(time.Since(start).Seconds())
}

// Reject counts a rejection by code.
func (m *Metrics) Reject(code string) {
	m.Rejected.WithLabelValues(code).Inc()
}
