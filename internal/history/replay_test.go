package history

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"collateraloracle/internal/domain"
	id "collateraloracle/pkg/domain"
)

type ReplaySuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
}

func TestReplaySuite(t *testing.T) {
	suite.Run(t, new(ReplaySuite))
}

func (s *ReplaySuite) SetupTest() {
	s.store = NewMemoryStore()
	s.ctx = context.Background()
}

func (s *ReplaySuite) append(evt OwnershipEvent) OwnershipEvent {
	stored, err := s.store.Append(s.ctx, evt)
	s.Require().NoError(err)
	return stored
}

func (s *ReplaySuite) pledge(amount int64, at time.Time, priority int) OwnershipEvent {
	return s.append(OwnershipEvent{
		AssetID: "asset-1", Kind: KindPledge, Actor: "alice", Timestamp: at,
		Encumbrance: &EncumbranceTerms{Kind: domain.EncumbrancePledge, Holder: "bank", Amount: decimal.NewFromInt(amount), Priority: priority},
	})
}

func (s *ReplaySuite) release(target id.EventID, at time.Time, actor string) {
	s.append(OwnershipEvent{
		AssetID: "asset-1", Kind: KindRelease, Actor: actor, Timestamp: at,
		Encumbrance: &EncumbranceTerms{EncumbranceID: id.EncumbranceID(target)},
	})
}

func (s *ReplaySuite) replay(upto id.AsOf) AssetState {
	events, err := s.store.EventsFor(s.ctx, "asset-1", upto)
	s.Require().NoError(err)
	return Replay(events)
}

func (s *ReplaySuite) TestTransfersSetOwnerAndValue() {
	s.append(transfer("asset-1", "alice", "", t0, 100))
	evt := transfer("asset-1", "bob", "alice", t0.Add(time.Hour), 0)
	evt.Value = nil
	last := s.append(evt)

	st := s.replay(id.Live())
	s.True(st.Known())
	s.Equal("bob", st.Owner)
	s.True(st.Value.Equal(decimal.NewFromInt(100)), "transfer without value keeps previous value")
	s.Equal(last.EventID, st.Head)
	s.Equal([]string{"indexer-a"}, st.Sources)
	s.Equal(id.ChainID("ethereum"), st.Chain)

	s.Equal("alice", s.replay(id.At(t0.Add(30*time.Minute))).Owner)
	s.False(s.replay(id.At(t0.Add(-time.Minute))).Known())
}

func (s *ReplaySuite) TestEncumbranceLifecycle() {
	s.append(transfer("asset-1", "alice", "", t0, 100))
	p1 := s.pledge(30, t0.Add(time.Minute), 2)
	p2 := s.pledge(50, t0.Add(2*time.Minute), 1)

	st := s.replay(id.Live())
	s.True(st.IsEncumbered())
	s.True(st.EncumberedValue().Equal(decimal.NewFromInt(80)))
	s.True(st.AvailableValue().Equal(decimal.NewFromInt(20)))
	active := st.Active()
	s.Require().Len(active, 2)
	s.Equal(id.EncumbranceID(p2.EventID), active[0].EncumbranceID, "ordered by priority")

	s.release(p1.EventID, t0.Add(3*time.Minute), "bank")
	s.release(p1.EventID, t0.Add(4*time.Minute), "someone-else")

	st = s.replay(id.Live())
	enc, ok := st.Encumbrance(id.EncumbranceID(p1.EventID))
	s.Require().True(ok)
	s.Equal(domain.EncumbranceReleased, enc.Status)
	s.Equal("bank", enc.ReleasedBy, "first release wins")
	s.Equal(t0.Add(3*time.Minute), *enc.ReleasedAt)
	s.True(st.AvailableValue().Equal(decimal.NewFromInt(50)))

	// state as of before the release
	st = s.replay(id.At(t0.Add(150 * time.Second)))
	s.Len(st.Active(), 2)
}

func (s *ReplaySuite) TestFullyEncumberedAndFloor() {
	s.append(transfer("asset-1", "alice", "", t0, 100))
	s.pledge(100, t0.Add(time.Minute), 0)
	s.pledge(10, t0.Add(2*time.Minute), 0)

	st := s.replay(id.Live())
	s.True(st.FullyEncumbered())
	s.True(st.AvailableValue().IsZero())

	line := st.Line("alice")
	s.Equal(id.OwnerID("alice"), line.OwnerID)
	s.True(line.IsEncumbered)
	s.Equal("nft", line.AssetType)
}

func (s *ReplaySuite) TestReleaseOfUnknownEncumbranceIsIgnored() {
	s.append(transfer("asset-1", "alice", "", t0, 100))
	s.release("does-not-exist", t0.Add(time.Minute), "bank")
	s.False(s.replay(id.Live()).IsEncumbered())
}

func (s *ReplaySuite) TestDisputesOpenAndClose() {
	s.append(transfer("asset-1", "alice", "", t0, 100))
	disputeID := id.NewDisputeID()
	s.append(OwnershipEvent{AssetID: "asset-1", Kind: KindDispute, Actor: "system", Timestamp: t0.Add(time.Minute),
		Dispute: &DisputeNote{DisputeID: disputeID, Reason: "tie", Claimants: []string{"alice", "bob"}}})

	st := s.replay(id.Live())
	s.Require().Len(st.OpenDisputes, 1)

	s.append(OwnershipEvent{AssetID: "asset-1", Kind: KindResolution, Actor: "reviewer", Timestamp: t0.Add(2 * time.Minute),
		Dispute: &DisputeNote{DisputeID: disputeID, Winner: "alice"}})
	st = s.replay(id.Live())
	s.Empty(st.OpenDisputes)
	s.Require().Len(st.Resolutions, 1)
	s.Equal("alice", st.Owner, "resolution does not move ownership")
}
