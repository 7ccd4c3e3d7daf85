package history

import (
	"context"
	"time"

	"collateraloracle/internal/history/metrics"
)

// Instrumented records append metrics around any Store.
type Instrumented struct {
	Store
	metrics *metrics.Metrics
}

func Instrument(store Store, m *metrics.Metrics) *Instrumented {
	return &Instrumented{Store: store, metrics: m}
}

func (s *Instrumented) Append(ctx context.Context, evt OwnershipEvent, opts ...AppendOption) (OwnershipEvent, error) {
	start := time.Now()
	stored, err := s.Store.Append(ctx, evt, opts...)
	s.metrics.ObserveAppend(start)
	if err != nil {
		if IsConflict(err) || IsOutOfOrder(err) {
			s.metrics.IncrementConflict()
		}
		return stored, err
	}
	s.metrics.IncrementAppended(string(stored.Kind))
	return stored, nil
}
