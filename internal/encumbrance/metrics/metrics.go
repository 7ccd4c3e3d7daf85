package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for encumbrance writes and the maturity
// monitor.
type Metrics struct {
	Created       *prometheus.CounterVec
	Released      *prometheus.CounterVec
	Rejected      *prometheus.CounterVec
	LockWait      prometheus.Histogram
	SweepDuration prometheus.Histogram
}

// New registers the encumbrance metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Created: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_encumbrances_created_total",
			Help: "Encumbrances created, by kind",
		}, []string{"kind"}),
		Released: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_encumbrances_released_total",
			Help: "Encumbrances released, by trigger (request or maturity)",
		}, []string{"trigger"}),
		Rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_encumbrances_rejected_total",
			Help: "Encumbrance requests rejected, by reason",
		}, []string{"reason"}),
		LockWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_encumbrance_lock_wait_seconds",
			Help:    "Time spent waiting for the per-asset write lock",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_maturity_sweep_duration_seconds",
			Help:    "Duration of one maturity monitor sweep",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncrementCreated(kind string) {
	m.Created.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementReleased(trigger string) {
	m.Released.WithLabelValues(trigger).Inc()
}

func (m *Metrics) IncrementRejected(reason string) {
	m.Rejected.WithLabelValues(reason).Inc()
}

// ObserveLockWait records how long a writer waited for an asset lock.
// Call with time.Now() taken before Lock.
func (m *Metrics) ObserveLockWait(start time.Time) {
	m.LockWait.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveSweep(start time.Time) {
	m.SweepDuration.Observe(time.Since(start).Seconds())
}
