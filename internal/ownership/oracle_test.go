package ownership_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/attestation/attestationtest"
	"collateraloracle/internal/consensus"
	"collateraloracle/internal/dispute"
	"collateraloracle/internal/domain"
	"collateraloracle/internal/history"
	"collateraloracle/internal/history/historytest"
	"collateraloracle/internal/ownership"
	"collateraloracle/internal/timetravel"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
)

var epoch = historytest.Epoch

// countingConsensus records calls and delegates to an engine.
type countingConsensus struct {
	next  ownership.Consensus
	calls atomic.Int64
	asOf  atomic.Value
}

func (c *countingConsensus) Query(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (consensus.AggregateResult, error) {
	c.calls.Add(1)
	c.asOf.Store(asOf)
	return c.next.Query(ctx, assetID, asOf)
}

type OracleSuite struct {
	suite.Suite
	ctx       context.Context
	store     *history.MemoryStore
	timeline  *timetravel.Oracle
	consensus *countingConsensus
	oracle    *ownership.Oracle
}

func TestOracleSuite(t *testing.T) {
	suite.Run(t, new(OracleSuite))
}

func (s *OracleSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = history.NewMemoryStore()
	timeline, err := timetravel.New(s.store)
	s.Require().NoError(err)
	s.timeline = timeline
	s.useSources("alice", "alice", "alice", "alice", "alice")
}

func (s *OracleSuite) useSources(owners ...string) {
	s.useSourcesWithQuorum(50, owners...)
}

// useSourcesWithQuorum rebuilds the oracle over fakes answering with owners.
func (s *OracleSuite) useSourcesWithQuorum(quorum float64, owners ...string) {
	var sources []attestation.Source
	for i, owner := range owners {
		sid := id.SourceID(string(rune('a'+i)) + "-source")
		sources = append(sources, attestationtest.NewFake(sid, "ethereum", owner))
	}
	reg, err := attestation.NewRegistry(sources...)
	s.Require().NoError(err)
	cfg := consensus.DefaultConfig()
	cfg.QuorumThreshold = quorum
	engine, err := consensus.New(reg, consensus.WithConfig(cfg))
	s.Require().NoError(err)
	s.consensus = &countingConsensus{next: engine}

	o, err := ownership.New(s.consensus, s.timeline, s.store)
	s.Require().NoError(err)
	s.oracle = o
}

func pledge(assetID id.AssetID, owner string, at time.Time, amount int64) history.OwnershipEvent {
	return history.OwnershipEvent{
		AssetID:      assetID,
		Kind:         history.KindPledge,
		Actor:        owner,
		Counterparty: "bank",
		Timestamp:    at,
		Encumbrance: &history.EncumbranceTerms{
			Kind:   domain.EncumbrancePledge,
			Holder: "bank",
			Amount: decimal.NewFromInt(amount),
		},
	}
}

func (s *OracleSuite) TestLiveOwnerCarriesEncumbranceFlag() {
	historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		pledge("asset-1", "alice", epoch.Add(time.Hour), 40),
	)

	rec, err := s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.Live())
	s.Require().NoError(err)
	s.Equal("alice", rec.Owner)
	s.InDelta(100.0, rec.ConsensusLevel, 0.001)
	s.True(rec.IsEncumbered)
	s.NotEmpty(rec.ContributingSources)
}

func (s *OracleSuite) TestLiveOwnerOfUnloggedAssetIsNotEncumbered() {
	rec, err := s.oracle.GetCurrentOwner(s.ctx, "asset-unlogged", id.Live())
	s.Require().NoError(err)
	s.Equal("alice", rec.Owner)
	s.False(rec.IsEncumbered)
}

func (s *OracleSuite) TestPinnedQueryReplaysTheLog() {
	historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		historytest.Transfer("asset-1", "bob", "alice", epoch.Add(48*time.Hour), 0),
	)

	rec, err := s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.At(epoch.Add(24*time.Hour)))
	s.Require().NoError(err)
	s.Equal("alice", rec.Owner)
	s.NotEmpty(rec.HeadEventID)
	s.Zero(s.consensus.calls.Load(), "historical queries must never reach the sources")

	rec, err = s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.At(epoch.Add(72*time.Hour)))
	s.Require().NoError(err)
	s.Equal("bob", rec.Owner)
}

func (s *OracleSuite) TestPinnedQueryBeforeFirstEvent() {
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "alice", "", epoch, 100))

	_, err := s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.At(epoch.Add(-time.Second)))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *OracleSuite) TestBelowThresholdFlagsTheAsset() {
	s.useSources("alice", "alice", "bob", "bob")
	resolver, err := dispute.New(s.consensus, s.timeline, s.store)
	s.Require().NoError(err)
	s.oracle.SetDisputeFlagger(resolver)
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "alice", "", epoch, 100))

	rec, err := s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.Live())
	s.Require().Error(err)
	s.True(consensus.IsBelowThreshold(err))
	s.Empty(rec.Owner, "an exact tie names no owner")
	s.InDelta(50.0, rec.ConsensusLevel, 0.001)

	events, err := s.store.EventsFor(s.ctx, "asset-1", id.Live())
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	last := events[1]
	s.Equal(history.KindDispute, last.Kind)
	s.Equal([]string{"alice", "bob"}, last.Dispute.Claimants)

	// A second identical query reuses the open dispute.
	_, err = s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.Live())
	s.True(consensus.IsBelowThreshold(err))
	s.Equal(2, historytest.Count(s.T(), s.store, "asset-1"))
}

func (s *OracleSuite) TestConcurrentBelowThresholdQueriesFlagOnce() {
	s.useSources("alice", "alice", "bob", "bob")
	resolver, err := dispute.New(s.consensus, s.timeline, s.store)
	s.Require().NoError(err)
	s.oracle.SetDisputeFlagger(resolver)
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "alice", "", epoch, 100))

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.Live())
			s.True(consensus.IsBelowThreshold(err))
		}()
	}
	wg.Wait()

	events, err := s.store.EventsFor(s.ctx, "asset-1", id.Live())
	s.Require().NoError(err)
	s.Len(events, 2, "one dispute for the whole burst")
	s.Len(history.Replay(events).OpenDisputes, 1)
}

func (s *OracleSuite) TestBelowThresholdWithoutFlagger() {
	s.useSourcesWithQuorum(80, "alice", "alice", "alice", "bob", "bob")

	rec, err := s.oracle.GetCurrentOwner(s.ctx, "asset-1", id.Live())
	s.True(consensus.IsBelowThreshold(err))
	s.Equal("alice", rec.Owner)
	s.Zero(historytest.Count(s.T(), s.store, "asset-1"))
}

func (s *OracleSuite) seedPortfolio() {
	gold := historytest.Transfer("asset-gold", "alice", "", epoch, 500)
	gold.AssetType = "commodity"
	historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		historytest.Transfer("asset-2", "Alice", "", epoch, 50),
		pledge("asset-2", "alice", epoch.Add(time.Hour), 50),
		gold,
		historytest.Transfer("asset-3", "alice", "", epoch, 70),
		historytest.Transfer("asset-3", "bob", "alice", epoch.Add(time.Hour), 0),
		pledge("asset-1", "alice", epoch.Add(2*time.Hour), 30),
	)
}

func (s *OracleSuite) TestGetPortfolio() {
	s.seedPortfolio()

	lines, err := s.oracle.GetPortfolio(s.ctx, "alice", domain.PortfolioFilter{})
	s.Require().NoError(err)
	s.Require().Len(lines, 3)
	s.Equal(id.AssetID("asset-1"), lines[0].AssetID)
	s.True(lines[0].IsEncumbered)
	s.True(decimal.NewFromInt(70).Equal(lines[0].AvailableValue))
	s.Equal(id.AssetID("asset-2"), lines[1].AssetID)
	s.Equal(id.AssetID("asset-gold"), lines[2].AssetID)

	lines, err = s.oracle.GetPortfolio(s.ctx, "alice", domain.PortfolioFilter{MinValue: decimal.NewFromInt(100)})
	s.Require().NoError(err)
	s.Len(lines, 2)

	lines, err = s.oracle.GetPortfolio(s.ctx, "alice", domain.PortfolioFilter{AssetTypes: []string{"commodity"}})
	s.Require().NoError(err)
	s.Require().Len(lines, 1)
	s.Equal(id.AssetID("asset-gold"), lines[0].AssetID)
}

func (s *OracleSuite) TestGetAvailableAssets() {
	s.seedPortfolio()

	lines, err := s.oracle.GetAvailableAssets(s.ctx, "alice", domain.PortfolioFilter{})
	s.Require().NoError(err)
	var ids []id.AssetID
	for _, l := range lines {
		ids = append(ids, l.AssetID)
	}
	s.Equal([]id.AssetID{"asset-1", "asset-gold"}, ids, "fully pledged and transferred assets are excluded")
	s.True(lines[0].IsEncumbered, "a partly pledged asset stays listed")
	s.True(decimal.NewFromInt(70).Equal(lines[0].AvailableValue))

	lines, err = s.oracle.GetAvailableAssets(s.ctx, "alice", domain.PortfolioFilter{MinValue: decimal.NewFromInt(80)})
	s.Require().NoError(err)
	s.Require().Len(lines, 1)
	s.Equal(id.AssetID("asset-gold"), lines[0].AssetID)
}

func (s *OracleSuite) TestUnencumberedAssetsAreAvailable() {
	s.seedPortfolio()

	portfolio, err := s.oracle.GetPortfolio(s.ctx, "alice", domain.PortfolioFilter{})
	s.Require().NoError(err)
	available, err := s.oracle.GetAvailableAssets(s.ctx, "alice", domain.PortfolioFilter{})
	s.Require().NoError(err)

	for _, line := range portfolio {
		if line.IsEncumbered {
			continue
		}
		s.Contains(available, line)
	}
}

func (s *OracleSuite) TestEmptyOwnerIsRejected() {
	_, err := s.oracle.GetPortfolio(s.ctx, "", domain.PortfolioFilter{})
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

func (s *OracleSuite) TestCheckEncumbrance() {
	s.seedPortfolio()

	check, err := s.oracle.CheckEncumbrance(s.ctx, "asset-1")
	s.Require().NoError(err)
	s.True(check.IsEncumbered)
	s.Require().Len(check.Active, 1)
	s.True(decimal.NewFromInt(30).Equal(check.Active[0].Amount))

	_, err = s.oracle.CheckEncumbrance(s.ctx, "asset-missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *OracleSuite) TestVerifyOwnershipClaim() {
	s.useSources("alice", "alice", "alice", "alice", "bob")
	at := epoch.Add(time.Hour)

	v, err := s.oracle.VerifyOwnershipClaim(s.ctx, "asset-1", "ALICE", at)
	s.Require().NoError(err)
	s.True(v.Matches)
	s.True(v.Authoritative)
	s.GreaterOrEqual(v.Confidence, 80.0)
	s.True(at.Equal(v.At))
	asOf := s.consensus.asOf.Load().(id.AsOf)
	pinned, ok := asOf.Time()
	s.True(ok)
	s.True(at.Equal(pinned))

	v, err = s.oracle.VerifyOwnershipClaim(s.ctx, "asset-1", "bob", time.Time{})
	s.Require().NoError(err)
	s.False(v.Matches)
	s.Equal("alice", v.ConsensusOwner)
	s.True(s.consensus.asOf.Load().(id.AsOf).IsLive())
	s.Zero(historytest.Count(s.T(), s.store, "asset-1"), "verification writes nothing")
}

func (s *OracleSuite) TestVerifyOwnershipClaimBelowThresholdIsNotAnError() {
	s.useSources("alice", "alice", "bob", "bob")

	v, err := s.oracle.VerifyOwnershipClaim(s.ctx, "asset-1", "alice", epoch)
	s.Require().NoError(err)
	s.False(v.Matches)
	s.False(v.Authoritative)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	store := history.NewMemoryStore()
	timeline, err := timetravel.New(store)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ownership.New(nil, timeline, store); err == nil {
		t.Error("expected error for nil consensus")
	}
	if _, err := ownership.New(&countingConsensus{}, nil, store); err == nil {
		t.Error("expected error for nil timeline")
	}
	if _, err := ownership.New(&countingConsensus{}, timeline, nil); err == nil {
		t.Error("expected error for nil store")
	}
}
