// Package historytest builds ownership logs for tests.
package historytest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"collateraloracle/internal/history"
	id "collateraloracle/pkg/domain"
)

// Epoch is a fixed reference time for fixtures.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// Transfer describes asset moving from one owner to another.
func Transfer(assetID id.AssetID, to, from string, at time.Time, value int64) history.OwnershipEvent {
	v := decimal.NewFromInt(value)
	return history.OwnershipEvent{
		AssetID:      assetID,
		Kind:         history.KindTransfer,
		Actor:        to,
		Counterparty: from,
		Timestamp:    at,
		ChainProof:   []byte("proof:" + string(assetID) + ":" + to),
		Source:       "indexer-a",
		Chain:        "ethereum",
		AssetType:    "nft",
		Value:        &v,
		TxRef:        "0x" + string(assetID) + "-" + to,
	}
}

// Append appends events in order and fails the test on error.
func Append(t testing.TB, store history.Store, events ...history.OwnershipEvent) []history.OwnershipEvent {
	t.Helper()
	out := make([]history.OwnershipEvent, 0, len(events))
	for _, evt := range events {
		stored, err := store.Append(context.Background(), evt)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

// Count returns how many events the asset's log holds.
func Count(t testing.TB, store history.Store, assetID id.AssetID) int {
	t.Helper()
	events, err := store.EventsFor(context.Background(), assetID, id.Live())
	require.NoError(t, err)
	return len(events)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
