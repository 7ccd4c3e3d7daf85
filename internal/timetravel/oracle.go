// Package timetravel answers ownership questions about the past by
// replaying the event log up to a cutoff. Answers depend only on the log,
// so repeating a query against an unchanged log returns identical results.
package timetravel

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"collateraloracle/internal/consensus"
	"collateraloracle/internal/domain"
	"collateraloracle/internal/history"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
)

const defaultSnapshotParallelism = 8

// Attestor supplies a consensus opinion to include in evidence.
type Attestor interface {
	Query(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (consensus.AggregateResult, error)
}

// Oracle is the time-travel read side of the ownership log.
type Oracle struct {
	store       history.Store
	attestor    Attestor
	keyring     *Keyring
	logger      *slog.Logger
	now         func() time.Time
	parallelism int
}

type Option func(*Oracle)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithAttestor adds a consensus opinion at the evidence time to every
// evidence bundle.
func WithAttestor(a Attestor) Option {
	return func(o *Oracle) {
		o.attestor = a
	}
}

// WithKeyring seals generated evidence.
func WithKeyring(k *Keyring) Option {
	return func(o *Oracle) {
		o.keyring = k
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSnapshotParallelism caps concurrent asset replays in a snapshot.
func WithSnapshotParallelism(n int) Option {
	return func(o *Oracle) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

func New(store history.Store, opts ...Option) (*Oracle, error) {
	if store == nil {
		return nil, errors.New("history store is required")
	}
	o := &Oracle{
		store:       store,
		logger:      slog.Default(),
		now:         time.Now,
		parallelism: defaultSnapshotParallelism,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Oracle) replay(ctx context.Context, assetID id.AssetID, at time.Time) ([]history.OwnershipEvent, history.AssetState, error) {
	if assetID.IsZero() {
		return nil, history.AssetState{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	events, err := o.store.EventsFor(ctx, assetID, id.At(at))
	if err != nil {
		return nil, history.AssetState{}, history.CodedError(err, "failed to read asset history")
	}
	return events, history.Replay(events), nil
}

func ownerAt(st history.AssetState, assetID id.AssetID, at time.Time) error {
	if st.Owner == "" {
		return dErrors.New(dErrors.CodeNotFound, "asset had no recorded owner at that time").
			WithDetail("asset_id", assetID.String()).
			WithDetail("at", at.Format(time.RFC3339Nano))
	}
	return nil
}

// GetOwnerAtTime folds the asset's events up to and including t.
func (o *Oracle) GetOwnerAtTime(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipRecord, error) {
	at := t.UTC()
	_, st, err := o.replay(ctx, assetID, at)
	if err != nil {
		return domain.OwnershipRecord{}, err
	}
	if err := ownerAt(st, assetID, at); err != nil {
		return domain.OwnershipRecord{}, err
	}
	sources := make([]id.SourceID, 0, len(st.Sources))
	for _, s := range st.Sources {
		sources = append(sources, id.SourceID(s))
	}
	return domain.OwnershipRecord{
		AssetID:             assetID,
		Owner:               st.Owner,
		AsOf:                at,
		ConsensusLevel:      100,
		ContributingSources: sources,
		IsEncumbered:        st.IsEncumbered(),
		HeadEventID:         st.Head,
	}, nil
}

// CheckAvailabilityAtTime reports the asset's unencumbered value at t.
func (o *Oracle) CheckAvailabilityAtTime(ctx context.Context, assetID id.AssetID, t time.Time) (domain.AvailabilityRecord, error) {
	at := t.UTC()
	_, st, err := o.replay(ctx, assetID, at)
	if err != nil {
		return domain.AvailabilityRecord{}, err
	}
	if !st.Known() {
		return domain.AvailabilityRecord{}, dErrors.New(dErrors.CodeNotFound, "asset had no history at that time").
			WithDetail("asset_id", assetID.String())
	}
	active := st.Active()
	ids := make([]id.EncumbranceID, 0, len(active))
	for _, e := range active {
		ids = append(ids, e.EncumbranceID)
	}
	available := st.AvailableValue()
	return domain.AvailabilityRecord{
		AssetID:            assetID,
		At:                 at,
		Owner:              st.Owner,
		Value:              st.Value,
		EncumberedValue:    st.EncumberedValue(),
		AvailableValue:     available,
		IsAvailable:        st.Owner != "" && available.IsPositive(),
		ActiveEncumbrances: ids,
	}, nil
}

// GetPortfolioSnapshot reconstructs what ownerID held at t. Candidates come
// from the owner index bounded by t; each is replayed to t and kept only if
// ownerID still held it then.
func (o *Oracle) GetPortfolioSnapshot(ctx context.Context, ownerID id.OwnerID, t time.Time) (domain.PortfolioSnapshot, error) {
	if ownerID.IsZero() {
		return domain.PortfolioSnapshot{}, dErrors.New(dErrors.CodeBadRequest, "owner ID is required")
	}
	at := t.UTC()
	candidates, err := o.store.OwnerAssets(ctx, ownerID.String(), id.At(at))
	if err != nil {
		return domain.PortfolioSnapshot{}, history.CodedError(err, "failed to read owner index")
	}

	lines := make([]*domain.AssetOwnership, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	for i, assetID := range candidates {
		g.Go(func() error {
			_, st, err := o.replay(gctx, assetID, at)
			if err != nil {
				return err
			}
			if id.SameOwner(st.Owner, ownerID.String()) {
				line := st.Line(ownerID)
				lines[i] = &line
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return domain.PortfolioSnapshot{}, dErrors.Cancelled(ctx.Err())
		}
		return domain.PortfolioSnapshot{}, err
	}

	snap := domain.PortfolioSnapshot{OwnerID: ownerID, At: at, Assets: []domain.AssetOwnership{}, TotalValue: decimal.Zero}
	for _, line := range lines {
		if line == nil {
			continue
		}
		snap.Assets = append(snap.Assets, *line)
		snap.TotalValue = snap.TotalValue.Add(line.Value)
	}
	return snap, nil
}

// GenerateOwnershipEvidence packages the replayed events up to t with their
// chain proofs, the chain verification result and, when an attestor is
// configured, the consensus opinion at t. Proof bytes are copied verbatim.
func (o *Oracle) GenerateOwnershipEvidence(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipEvidence, error) {
	at := t.UTC()
	events, st, err := o.replay(ctx, assetID, at)
	if err != nil {
		return domain.OwnershipEvidence{}, err
	}
	if err := ownerAt(st, assetID, at); err != nil {
		return domain.OwnershipEvidence{}, err
	}

	ev := domain.OwnershipEvidence{
		EvidenceID:       id.NewEvidenceID(),
		AssetID:          assetID,
		At:               at,
		Owner:            st.Owner,
		Entries:          make([]domain.EvidenceEntry, 0, len(events)),
		ChainHead:        st.Head,
		SourceSignatures: []domain.SourceSignature{},
	}
	for _, evt := range events {
		ev.Entries = append(ev.Entries, domain.EvidenceEntry{
			EventID:          evt.EventID,
			PrecedingEventID: evt.PrecedingEventID,
			Kind:             string(evt.Kind),
			Actor:            evt.Actor,
			Counterparty:     evt.Counterparty,
			Timestamp:        evt.Timestamp,
			OccurredAt:       evt.OccurredAt,
			Source:           evt.Source,
			TxRef:            evt.TxRef,
			ChainProof:       slices.Clone(evt.ChainProof),
		})
	}

	if err := history.VerifyChain(events); err != nil {
		o.logger.ErrorContext(ctx, "ownership chain failed verification",
			"asset_id", assetID,
			"error", err,
		)
	} else {
		ev.ChainIntact = true
	}

	if err := o.attest(ctx, &ev); err != nil {
		return domain.OwnershipEvidence{}, err
	}

	ev.GeneratedAt = o.now().UTC()
	if ev.Digest, err = Digest(ev); err != nil {
		return domain.OwnershipEvidence{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to digest evidence")
	}
	if o.keyring != nil {
		if ev.Seal, ev.SealKeyID, err = o.keyring.Seal(assetID, ev.Digest); err != nil {
			return domain.OwnershipEvidence{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal evidence")
		}
	}
	return ev, nil
}

// attest adds the consensus opinion at the evidence time. Missing or weak
// consensus is recorded in the note rather than failing the evidence.
func (o *Oracle) attest(ctx context.Context, ev *domain.OwnershipEvidence) error {
	if o.attestor == nil {
		ev.ConsensusPercentage = 100
		ev.ConsensusNote = "derived from the event log only"
		return nil
	}
	res, err := o.attestor.Query(ctx, ev.AssetID, id.At(ev.At))
	switch {
	case err == nil:
		ev.ConsensusNote = "authoritative"
	case consensus.IsBelowThreshold(err):
		ev.ConsensusNote = "below threshold: " + res.Reason
	case dErrors.HasCode(err, dErrors.CodeCancelled):
		return err
	default:
		ev.ConsensusNote = "consensus unavailable: " + dErrors.MessageOf(err)
		return nil
	}
	ev.ConsensusPercentage = res.ConsensusLevel
	ev.SourceSignatures = append(ev.SourceSignatures, res.Signatures()...)
	if res.Owner != "" && !id.SameOwner(res.Owner, ev.Owner) {
		ev.ConsensusNote += "; sources name a different owner than the log"
	}
	return nil
}
