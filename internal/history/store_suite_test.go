package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"collateraloracle/internal/domain"
	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/platform/sentinel"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// StoreSuite runs the Store contract against any backend.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
}

func transfer(asset id.AssetID, to, from string, at time.Time, value int64) OwnershipEvent {
	v := decimal.NewFromInt(value)
	return OwnershipEvent{
		AssetID:      asset,
		Kind:         KindTransfer,
		Actor:        to,
		Counterparty: from,
		Timestamp:    at,
		ChainProof:   []byte("proof:" + to),
		Source:       "indexer-a",
		Chain:        "ethereum",
		AssetType:    "nft",
		Value:        &v,
	}
}

func (s *StoreSuite) TestAppendBuildsHashChain() {
	first, err := s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0, 100))
	s.Require().NoError(err)
	s.Empty(first.PrecedingEventID)
	s.Len(first.EventID, 64)

	second, err := s.store.Append(s.ctx, transfer("asset-1", "bob", "alice", t0.Add(time.Hour), 100))
	s.Require().NoError(err)
	s.Equal(first.EventID, second.PrecedingEventID)

	head, err := s.store.Head(s.ctx, "asset-1")
	s.Require().NoError(err)
	s.Equal(second.EventID, head)

	events, err := s.store.EventsFor(s.ctx, "asset-1", id.Live())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.NoError(VerifyChain(events))
}

func (s *StoreSuite) TestExpectHead() {
	first, err := s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0, 100), ExpectHead(""))
	s.Require().NoError(err)

	_, err = s.store.Append(s.ctx, transfer("asset-1", "bob", "alice", t0.Add(time.Minute), 100), ExpectHead(""))
	s.ErrorIs(err, ErrHeadMoved)
	s.True(IsConflict(err))

	_, err = s.store.Append(s.ctx, transfer("asset-1", "bob", "alice", t0.Add(time.Minute), 100), ExpectHead(first.EventID))
	s.NoError(err)

	events, err := s.store.EventsFor(s.ctx, "asset-1", id.Live())
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *StoreSuite) TestRejectsInvalidAndOutOfOrderEvents() {
	_, err := s.store.Append(s.ctx, OwnershipEvent{AssetID: "asset-1", Kind: "gift", Actor: "a", Timestamp: t0})
	s.ErrorIs(err, sentinel.ErrInvalidState)

	_, err = s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0, 100))
	s.Require().NoError(err)

	_, err = s.store.Append(s.ctx, transfer("asset-1", "bob", "alice", t0.Add(-time.Second), 100))
	s.True(IsOutOfOrder(err))
}

func (s *StoreSuite) TestChainProofIsCopied() {
	evt := transfer("asset-1", "alice", "", t0, 100)
	stored, err := s.store.Append(s.ctx, evt)
	s.Require().NoError(err)

	evt.ChainProof[0] = 'X'
	stored.ChainProof[1] = 'Y'

	got, err := s.store.Get(s.ctx, stored.EventID)
	s.Require().NoError(err)
	s.Equal([]byte("proof:alice"), got.ChainProof)
}

func (s *StoreSuite) TestEventsForStopsAtCutoff() {
	_, err := s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0, 100))
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, transfer("asset-1", "bob", "alice", t0.Add(time.Hour), 100))
	s.Require().NoError(err)

	events, err := s.store.EventsFor(s.ctx, "asset-1", id.At(t0))
	s.Require().NoError(err)
	s.Len(events, 1, "cutoff is inclusive")

	events, err = s.store.EventsFor(s.ctx, "asset-1", id.At(t0.Add(-time.Nanosecond)))
	s.Require().NoError(err)
	s.Empty(events)

	events, err = s.store.EventsFor(s.ctx, "unknown", id.Live())
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *StoreSuite) TestOwnerAssets() {
	_, err := s.store.Append(s.ctx, transfer("asset-2", "Alice", "", t0, 10))
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0.Add(time.Hour), 10))
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, transfer("asset-3", "bob", "", t0, 10))
	s.Require().NoError(err)

	assets, err := s.store.OwnerAssets(s.ctx, " ALICE ", id.Live())
	s.Require().NoError(err)
	s.Equal([]id.AssetID{"asset-1", "asset-2"}, assets)

	assets, err = s.store.OwnerAssets(s.ctx, "alice", id.At(t0))
	s.Require().NoError(err)
	s.Equal([]id.AssetID{"asset-2"}, assets)
}

func (s *StoreSuite) TestAssetsWithKind() {
	_, err := s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0, 100))
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, transfer("asset-2", "alice", "", t0, 100))
	s.Require().NoError(err)
	_, err = s.store.Append(s.ctx, OwnershipEvent{
		AssetID: "asset-2", Kind: KindPledge, Actor: "alice", Timestamp: t0.Add(time.Minute),
		Encumbrance: &EncumbranceTerms{Kind: domain.EncumbrancePledge, Holder: "bank", Amount: decimal.NewFromInt(10)},
	})
	s.Require().NoError(err)

	assets, err := s.store.AssetsWithKind(s.ctx, KindPledge, KindLien)
	s.Require().NoError(err)
	s.Equal([]id.AssetID{"asset-2"}, assets)
}

func (s *StoreSuite) TestGetUnknown() {
	_, err := s.store.Get(s.ctx, "nope")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *StoreSuite) TestCancelledAppendWritesNothing() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.store.Append(ctx, transfer("asset-1", "alice", "", t0, 100))
	s.True(errors.Is(err, context.Canceled))

	head, err := s.store.Head(s.ctx, "asset-1")
	s.Require().NoError(err)
	s.Empty(head)
}

func (s *StoreSuite) TestConcurrentCompareAndAppend() {
	genesis, err := s.store.Append(s.ctx, transfer("asset-1", "alice", "", t0, 100))
	s.Require().NoError(err)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			evt := transfer("asset-1", "bob", "alice", t0.Add(time.Duration(i+1)*time.Second), 100)
			if _, err := s.store.Append(s.ctx, evt, ExpectHead(genesis.EventID)); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, success)

	events, err := s.store.EventsFor(s.ctx, "asset-1", id.Live())
	s.Require().NoError(err)
	s.Len(events, 2)
	s.NoError(VerifyChain(events))
}
