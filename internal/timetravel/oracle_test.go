package timetravel_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/attestation/attestationtest"
	"collateraloracle/internal/consensus"
	"collateraloracle/internal/domain"
	"collateraloracle/internal/history"
	"collateraloracle/internal/history/historytest"
	"collateraloracle/internal/timetravel"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
)

var epoch = historytest.Epoch

type OracleSuite struct {
	suite.Suite
	ctx     context.Context
	store   *history.MemoryStore
	keyring *timetravel.Keyring
	oracle  *timetravel.Oracle
	clock   *historytest.Clock
}

func TestOracleSuite(t *testing.T) {
	suite.Run(t, new(OracleSuite))
}

func (s *OracleSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = history.NewMemoryStore()
	s.clock = historytest.NewClock(epoch.Add(30 * 24 * time.Hour))

	ring, err := timetravel.NewKeyring(map[string][]byte{"k1": []byte("0123456789abcdef0123456789abcdef")}, "k1")
	s.Require().NoError(err)
	s.keyring = ring

	s.oracle = s.newOracle()
}

func (s *OracleSuite) newOracle(opts ...timetravel.Option) *timetravel.Oracle {
	opts = append([]timetravel.Option{timetravel.WithKeyring(s.keyring), timetravel.WithClock(s.clock.Now)}, opts...)
	o, err := timetravel.New(s.store, opts...)
	s.Require().NoError(err)
	return o
}

func pledge(assetID id.AssetID, owner string, at time.Time, amount int64) history.OwnershipEvent {
	return history.OwnershipEvent{
		AssetID:      assetID,
		Kind:         history.KindPledge,
		Actor:        owner,
		Counterparty: "bank",
		Timestamp:    at,
		Source:       "encumbrance-tracker",
		Encumbrance: &history.EncumbranceTerms{
			Kind:   domain.EncumbrancePledge,
			Holder: "bank",
			Amount: decimal.NewFromInt(amount),
		},
	}
}

func release(assetID id.AssetID, encID id.EventID, at time.Time) history.OwnershipEvent {
	return history.OwnershipEvent{
		AssetID:   assetID,
		Kind:      history.KindRelease,
		Actor:     "ops",
		Timestamp: at,
		Encumbrance: &history.EncumbranceTerms{
			EncumbranceID: id.EncumbranceID(encID),
		},
	}
}

func (s *OracleSuite) TestGetOwnerAtTime() {
	events := historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		historytest.Transfer("asset-1", "bob", "alice", epoch.Add(24*time.Hour), 120),
	)

	rec, err := s.oracle.GetOwnerAtTime(s.ctx, "asset-1", epoch.Add(12*time.Hour))
	s.Require().NoError(err)
	s.Equal("alice", rec.Owner)
	s.Equal(100.0, rec.ConsensusLevel)
	s.Equal(events[0].EventID, rec.HeadEventID)
	s.Equal([]id.SourceID{"indexer-a"}, rec.ContributingSources)
	s.Equal(epoch.Add(12*time.Hour), rec.AsOf)

	rec, err = s.oracle.GetOwnerAtTime(s.ctx, "asset-1", epoch.Add(24*time.Hour))
	s.Require().NoError(err)
	s.Equal("bob", rec.Owner, "the cutoff is inclusive")

	_, err = s.oracle.GetOwnerAtTime(s.ctx, "asset-1", epoch.Add(-time.Second))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.oracle.GetOwnerAtTime(s.ctx, "asset-unknown", epoch)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *OracleSuite) TestReplayIsDeterministic() {
	historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		pledge("asset-1", "alice", epoch.Add(time.Hour), 10),
		historytest.Transfer("asset-1", "bob", "alice", epoch.Add(2*time.Hour), 100),
	)
	at := epoch.Add(90 * time.Minute)

	first, err := s.oracle.GetOwnerAtTime(s.ctx, "asset-1", at)
	s.Require().NoError(err)
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "carol", "bob", epoch.Add(3*time.Hour), 100))
	second, err := s.oracle.GetOwnerAtTime(s.ctx, "asset-1", at)
	s.Require().NoError(err)

	s.Equal(first, second, "later events do not change earlier answers")
	s.True(first.IsEncumbered)
}

func (s *OracleSuite) TestCheckAvailabilityAtTime() {
	events := historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		pledge("asset-1", "alice", epoch.Add(time.Hour), 30),
	)
	historytest.Append(s.T(), s.store, release("asset-1", events[1].EventID, epoch.Add(3*time.Hour)))

	during, err := s.oracle.CheckAvailabilityAtTime(s.ctx, "asset-1", epoch.Add(2*time.Hour))
	s.Require().NoError(err)
	s.True(during.AvailableValue.Equal(decimal.NewFromInt(70)))
	s.True(during.EncumberedValue.Equal(decimal.NewFromInt(30)))
	s.True(during.IsAvailable)
	s.Equal([]id.EncumbranceID{id.EncumbranceID(events[1].EventID)}, during.ActiveEncumbrances)

	after, err := s.oracle.CheckAvailabilityAtTime(s.ctx, "asset-1", epoch.Add(4*time.Hour))
	s.Require().NoError(err)
	s.True(after.AvailableValue.Equal(decimal.NewFromInt(100)))
	s.Empty(after.ActiveEncumbrances)

	_, err = s.oracle.CheckAvailabilityAtTime(s.ctx, "asset-1", epoch.Add(-time.Hour))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *OracleSuite) TestFullyPledgedAssetIsUnavailable() {
	historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		pledge("asset-1", "alice", epoch.Add(time.Hour), 100),
	)
	rec, err := s.oracle.CheckAvailabilityAtTime(s.ctx, "asset-1", epoch.Add(2*time.Hour))
	s.Require().NoError(err)
	s.False(rec.IsAvailable)
	s.True(rec.AvailableValue.IsZero())
}

func (s *OracleSuite) TestPortfolioSnapshot() {
	t := epoch.Add(10 * 24 * time.Hour)
	historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		historytest.Transfer("asset-2", "alice", "", epoch, 50),
		historytest.Transfer("asset-2", "bob", "alice", epoch.Add(24*time.Hour), 50),
		historytest.Transfer("asset-3", "alice", "", t.Add(24*time.Hour), 75),
		historytest.Transfer("asset-4", "Alice", "", epoch.Add(time.Hour), 25),
	)

	snap, err := s.oracle.GetPortfolioSnapshot(s.ctx, "alice", t)
	s.Require().NoError(err)
	s.Equal(t, snap.At)
	s.Require().Len(snap.Assets, 2)
	s.Equal(id.AssetID("asset-1"), snap.Assets[0].AssetID)
	s.Equal(id.AssetID("asset-4"), snap.Assets[1].AssetID)
	s.True(snap.TotalValue.Equal(decimal.NewFromInt(125)))

	later, err := s.oracle.GetPortfolioSnapshot(s.ctx, "alice", t.Add(48*time.Hour))
	s.Require().NoError(err)
	s.Len(later.Assets, 3)

	empty, err := s.oracle.GetPortfolioSnapshot(s.ctx, "nobody", t)
	s.Require().NoError(err)
	s.Empty(empty.Assets)
	s.True(empty.TotalValue.IsZero())
}

func (s *OracleSuite) TestPortfolioSnapshotCancelled() {
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "alice", "", epoch, 100))
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.oracle.GetPortfolioSnapshot(ctx, "alice", epoch)
	s.True(dErrors.HasCode(err, dErrors.CodeCancelled))
}

func (s *OracleSuite) TestEvidence() {
	stored := historytest.Append(s.T(), s.store,
		historytest.Transfer("asset-1", "alice", "", epoch, 100),
		historytest.Transfer("asset-1", "bob", "alice", epoch.Add(time.Hour), 100),
		historytest.Transfer("asset-1", "carol", "bob", epoch.Add(48*time.Hour), 100),
	)

	ev, err := s.oracle.GenerateOwnershipEvidence(s.ctx, "asset-1", epoch.Add(24*time.Hour))
	s.Require().NoError(err)
	s.Equal("bob", ev.Owner)
	s.True(ev.ChainIntact)
	s.Equal(stored[1].EventID, ev.ChainHead)
	s.Require().Len(ev.Entries, 2)
	for i, entry := range ev.Entries {
		s.Equal(stored[i].EventID, entry.EventID)
		s.Equal(stored[i].ChainProof, entry.ChainProof)
	}
	s.Equal("k1", ev.SealKeyID)
	s.NoError(timetravel.VerifyEvidence(s.keyring, ev))
	s.Equal(s.clock.Now(), ev.GeneratedAt)

	ev.Entries[0].ChainProof[0] ^= 0xff
	again, err := s.store.Get(s.ctx, stored[0].EventID)
	s.Require().NoError(err)
	s.Equal(stored[0].ChainProof, again.ChainProof, "evidence holds copies of the proofs")
	s.Error(timetravel.VerifyEvidence(s.keyring, ev), "tampered evidence fails verification")
}

func (s *OracleSuite) TestEachEvidenceIsNew() {
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "alice", "", epoch, 100))

	first, err := s.oracle.GenerateOwnershipEvidence(s.ctx, "asset-1", epoch)
	s.Require().NoError(err)
	s.clock.Advance(time.Minute)
	second, err := s.oracle.GenerateOwnershipEvidence(s.ctx, "asset-1", epoch)
	s.Require().NoError(err)

	s.NotEqual(first.EvidenceID, second.EvidenceID)
	s.NotEqual(first.GeneratedAt, second.GeneratedAt)
	s.Equal(first.Entries, second.Entries)
}

func (s *OracleSuite) TestEvidenceWithConsensus() {
	historytest.Append(s.T(), s.store, historytest.Transfer("asset-1", "alice", "", epoch, 100))

	reg, err := attestation.NewRegistry(
		attestationtest.NewFake("a", "ethereum", "alice"),
		attestationtest.NewFake("b", "ethereum", "alice"),
		attestationtest.NewFake("c", "ethereum", "bob"),
	)
	s.Require().NoError(err)
	engine, err := consensus.New(reg)
	s.Require().NoError(err)

	ev, err := s.newOracle(timetravel.WithAttestor(engine)).GenerateOwnershipEvidence(s.ctx, "asset-1", epoch)
	s.Require().NoError(err)
	s.InDelta(66.67, ev.ConsensusPercentage, 0.01)
	s.Contains(ev.ConsensusNote, "below threshold")
	s.NoError(timetravel.VerifyEvidence(s.keyring, ev))
}

func (s *OracleSuite) TestEvidenceForUnknownOwner() {
	_, err := s.oracle.GenerateOwnershipEvidence(s.ctx, "asset-unknown", epoch)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestKeyring(t *testing.T) {
	old := []byte("old-root-key-0123456789")
	next := []byte("new-root-key-0123456789")

	ring1, err := timetravel.NewKeyring(map[string][]byte{"v1": old}, "v1")
	if err != nil {
		t.Fatal(err)
	}
	seal, kid, err := ring1.Seal("asset-1", "digest")
	if err != nil {
		t.Fatal(err)
	}

	ring2, err := timetravel.NewKeyring(map[string][]byte{"v1": old, "v2": next}, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if err := ring2.Verify("asset-1", "digest", seal, kid); err != nil {
		t.Fatalf("rotated ring rejected an old seal: %v", err)
	}
	if err := ring2.Verify("asset-2", "digest", seal, kid); err == nil {
		t.Fatal("seal verified for another asset")
	}
	newSeal, newKid, err := ring2.Seal("asset-1", "digest")
	if err != nil {
		t.Fatal(err)
	}
	if newKid != "v2" || newSeal == seal {
		t.Fatalf("expected a v2 seal, got %s/%s", newKid, newSeal)
	}

	for name, tc := range map[string]struct {
		keys   map[string][]byte
		active string
	}{
		"no keys":        {nil, "v1"},
		"missing active": {map[string][]byte{"v1": old}, "v2"},
		"blank active":   {map[string][]byte{"v1": old}, " "},
		"short key":      {map[string][]byte{"v1": []byte("short")}, "v1"},
	} {
		if _, err := timetravel.NewKeyring(tc.keys, tc.active); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
