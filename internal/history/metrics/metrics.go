package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ownership event log.
type Metrics struct {
	EventsAppended  *prometheus.CounterVec
	AppendConflicts prometheus.Counter
	AppendDuration  prometheus.Histogram
}

// New registers the history metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_history_events_appended_total",
			Help: "Ownership events appended, by kind",
		}, []string{"kind"}),
		AppendConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "oracle_history_append_conflicts_total",
			Help: "Appends rejected because the asset head moved or the event was out of order",
		}),
		AppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_history_append_duration_seconds",
			Help:    "Duration of Append operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementAppended records a successful append of an event kind.
func (m *Metrics) IncrementAppended(kind string) {
	m.EventsAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncrementConflict() {
	m.AppendConflicts.Inc()
}

// ObserveAppend records the duration of an Append call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveAppend(start time.Time) {
	m.AppendDuration.Observe(time.Since(start).Seconds())
}
