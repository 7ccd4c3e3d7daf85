package consensus

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config tunes how votes are gathered and judged.
type Config struct {
	// QuorumThreshold is the minimum percentage of responding sources the
	// majority owner needs.
	QuorumThreshold float64
	// SourceTimeout bounds each source call.
	SourceTimeout time.Duration
	// MinResponders is the number of valid votes required before any
	// outcome can be authoritative.
	MinResponders int
	// TieBand marks a result below threshold when the two largest groups
	// are within this many percentage points.
	TieBand float64
	// MaxParallel caps concurrent source calls per query.
	MaxParallel int
}

func DefaultConfig() Config {
	return Config{
		QuorumThreshold: 80,
		SourceTimeout:   2 * time.Second,
		MinResponders:   1,
		TieBand:         5,
		MaxParallel:     16,
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.QuorumThreshold, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&c.SourceTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MinResponders, validation.Required, validation.Min(1)),
		validation.Field(&c.TieBand, validation.Min(0.0), validation.Max(100.0)),
		validation.Field(&c.MaxParallel, validation.Required, validation.Min(1)),
	)
}
