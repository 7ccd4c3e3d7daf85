package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for consensus queries and the sources
// they fan out to.
type Metrics struct {
	Queries        *prometheus.CounterVec
	QueryDuration  prometheus.Histogram
	Level          prometheus.Histogram
	SourceLatency  *prometheus.HistogramVec
	SourceFailures *prometheus.CounterVec
	BreakerOpened  *prometheus.CounterVec
}

// New registers the consensus metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Queries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_consensus_queries_total",
			Help: "Consensus queries by outcome (authoritative, below_threshold, unavailable, cancelled)",
		}, []string{"outcome"}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_consensus_query_duration_seconds",
			Help:    "End-to-end duration of consensus queries",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		Level: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_consensus_level_percent",
			Help:    "Consensus level reached by queries that received votes",
			Buckets: []float64{50, 60, 70, 80, 90, 95, 100},
		}),
		SourceLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oracle_source_latency_seconds",
			Help:    "Latency of attestation source calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"source"}),
		SourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_source_failures_total",
			Help: "Attestation source failures by category",
		}, []string{"source", "category"}),
		BreakerOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_source_breaker_opened_total",
			Help: "Times a source circuit breaker opened",
		}, []string{"source"}),
	}
}

// ObserveQuery records the outcome and duration of one query.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveQuery(outcome string, start time.Time) {
	m.Queries.WithLabelValues(outcome).Inc()
	m.QueryDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveLevel(level float64) {
	m.Level.Observe(level)
}

func (m *Metrics) ObserveSource(source string, latency time.Duration) {
	m.SourceLatency.WithLabelValues(source).Observe(latency.Seconds())
}

func (m *Metrics) IncrementSourceFailure(source, category string) {
	m.SourceFailures.WithLabelValues(source, category).Inc()
}

func (m *Metrics) IncrementBreakerOpened(source string) {
	m.BreakerOpened.WithLabelValues(source).Inc()
}
