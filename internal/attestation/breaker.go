package attestation

import (
	"sync"

	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/platform/circuit"
)

// Breakers keeps one circuit breaker per source so a misbehaving adapter
// stops being queried until its cooldown elapses.
type Breakers struct {
	mu   sync.Mutex
	byID map[id.SourceID]*circuit.Breaker
	opts []circuit.Option
}

func NewBreakers(opts ...circuit.Option) *Breakers {
	return &Breakers{
		byID: make(map[id.SourceID]*circuit.Breaker),
		opts: opts,
	}
}

// For returns the breaker for sid, creating it on first use.
func (b *Breakers) For(sid id.SourceID) *circuit.Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byID[sid]
	if !ok {
		br = circuit.New(string(sid), b.opts...)
		b.byID[sid] = br
	}
	return br
}

func (b *Breakers) Allow(sid id.SourceID) bool {
	return b.For(sid).Allow()
}

// Record feeds the outcome of one call into the source's breaker.
func (b *Breakers) Record(sid id.SourceID, err error) circuit.StateChange {
	br := b.For(sid)
	if err == nil {
		_, change := br.RecordSuccess()
		return change
	}
	if !CountsAgainstSource(err) {
		return circuit.StateChange{}
	}
	_, change := br.RecordFailure()
	return change
}

// Open lists the sources whose breaker is currently open.
func (b *Breakers) Open() []id.SourceID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []id.SourceID
	for sid, br := range b.byID {
		if br.IsOpen() {
			open = append(open, sid)
		}
	}
	return open
}
