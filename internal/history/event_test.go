package history

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "collateraloracle/pkg/domain"
)

func buildChain(t *testing.T) []OwnershipEvent {
	t.Helper()
	store := NewMemoryStore()
	ctx := context.Background()
	for i, owner := range []string{"alice", "bob", "carol"} {
		_, err := store.Append(ctx, transfer("asset-1", owner, "", t0.Add(time.Duration(i)*time.Hour), 100))
		require.NoError(t, err)
	}
	events, err := store.EventsFor(ctx, "asset-1", id.Live())
	require.NoError(t, err)
	return events
}

func TestComputeIDIsDeterministic(t *testing.T) {
	evt := transfer("asset-1", "alice", "", t0, 100)
	a, err := ComputeID(evt)
	require.NoError(t, err)
	b, err := ComputeID(evt.Clone())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	evt.PrecedingEventID = "abc"
	c, err := ComputeID(evt)
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "preceding event is part of the hash")

	evt.EventID = "ignored"
	d, err := ComputeID(evt)
	require.NoError(t, err)
	assert.Equal(t, c, d, "event ID is not part of the hash")

	blockTime := t0.Add(-time.Minute)
	evt.OccurredAt = &blockTime
	e, err := ComputeID(evt)
	require.NoError(t, err)
	assert.NotEqual(t, d, e, "block time is part of the hash")
	assert.Equal(t, blockTime, evt.ChainTime())
}

func TestVerifyChain(t *testing.T) {
	t.Run("intact chain verifies", func(t *testing.T) {
		assert.NoError(t, VerifyChain(buildChain(t)))
		assert.NoError(t, VerifyChain(nil))
	})

	t.Run("tampered proof is detected", func(t *testing.T) {
		events := buildChain(t)
		events[1].ChainProof = []byte("forged")
		err := VerifyChain(events)
		var chainErr *ChainError
		require.ErrorAs(t, err, &chainErr)
		assert.Equal(t, 1, chainErr.Index)
		assert.Equal(t, "content hash mismatch", chainErr.Reason)
	})

	t.Run("removed event is detected", func(t *testing.T) {
		events := buildChain(t)
		err := VerifyChain([]OwnershipEvent{events[0], events[2]})
		var chainErr *ChainError
		require.ErrorAs(t, err, &chainErr)
		assert.Equal(t, "preceding event mismatch", chainErr.Reason)
	})

	t.Run("reordered events are detected", func(t *testing.T) {
		events := buildChain(t)
		assert.Error(t, VerifyChain([]OwnershipEvent{events[1], events[0], events[2]}))
	})
}

func TestValidate(t *testing.T) {
	neg := decimal.NewFromInt(-1)
	cases := map[string]OwnershipEvent{
		"missing asset":       {Kind: KindTransfer, Actor: "a", Timestamp: t0},
		"unknown kind":        {AssetID: "x", Kind: "burn", Actor: "a", Timestamp: t0},
		"blank actor":         {AssetID: "x", Kind: KindTransfer, Actor: "  ", Timestamp: t0},
		"missing timestamp":   {AssetID: "x", Kind: KindTransfer, Actor: "a"},
		"pledge without terms": {AssetID: "x", Kind: KindPledge, Actor: "a", Timestamp: t0},
		"zero pledge amount": {AssetID: "x", Kind: KindPledge, Actor: "a", Timestamp: t0,
			Encumbrance: &EncumbranceTerms{Amount: decimal.Zero}},
		"release without target": {AssetID: "x", Kind: KindRelease, Actor: "a", Timestamp: t0,
			Encumbrance: &EncumbranceTerms{}},
		"dispute without note": {AssetID: "x", Kind: KindDispute, Actor: "a", Timestamp: t0},
		"negative value":       {AssetID: "x", Kind: KindTransfer, Actor: "a", Timestamp: t0, Value: &neg},
	}
	for name, evt := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, Validate(evt))
		})
	}
	assert.NoError(t, Validate(transfer("x", "alice", "", t0, 1)))
}

func TestCloneIsDeep(t *testing.T) {
	matures := t0.Add(time.Hour)
	occurred := t0
	evt := OwnershipEvent{
		OccurredAt:  &occurred,
		ChainProof:  []byte{1},
		Encumbrance: &EncumbranceTerms{MaturesAt: &matures},
		Dispute:     &DisputeNote{Claimants: []string{"a"}},
	}
	c := evt.Clone()
	c.ChainProof[0] = 2
	*c.Encumbrance.MaturesAt = t0
	c.Dispute.Claimants[0] = "b"
	*c.OccurredAt = matures

	assert.Equal(t, []byte{1}, evt.ChainProof)
	assert.Equal(t, t0, *evt.OccurredAt)
	assert.Equal(t, matures, *evt.Encumbrance.MaturesAt)
	assert.Equal(t, "a", evt.Dispute.Claimants[0])
}
