package domain

import "time"

// AsOf selects between a live query and a time-travel query. The zero value
// is Live. Live queries go to attestation sources; pinned queries are always
// answered by replaying the event log.
type AsOf struct {
	at     time.Time
	pinned bool
}

// Live returns an AsOf that asks for the current state.
func Live() AsOf { return AsOf{} }

// At returns an AsOf pinned to t (normalized to UTC).
func At(t time.Time) AsOf { return AsOf{at: t.UTC(), pinned: true} }

// IsLive reports whether no timestamp was pinned.
func (a AsOf) IsLive() bool { return !a.pinned }

// Time returns the pinned timestamp and whether one was set.
func (a AsOf) Time() (time.Time, bool) { return a.at, a.pinned }

// Resolve returns the pinned time, or now for live queries.
func (a AsOf) Resolve(now time.Time) time.Time {
	if a.pinned {
		return a.at
	}
	return now.UTC()
}

// Includes reports whether an instant falls at or before the cutoff.
// Live includes everything.
func (a AsOf) Includes(t time.Time) bool {
	return !a.pinned || !t.After(a.at)
}

func (a AsOf) String() string {
	if !a.pinned {
		return "live"
	}
	return a.at.Format(time.RFC3339Nano)
}
