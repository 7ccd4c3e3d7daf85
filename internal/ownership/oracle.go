// Package ownership answers "who owns this asset and what is it free to
// back". Live questions go to consensus; questions about the past are
// always answered by replaying the event log.
package ownership

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"collateraloracle/internal/consensus"
	"collateraloracle/internal/domain"
	"collateraloracle/internal/encumbrance"
	"collateraloracle/internal/history"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
)

const (
	autoFlagReason        = "live consensus below threshold"
	defaultPortfolioLimit = 8
)

// Consensus answers live and pinned ownership queries from sources.
type Consensus interface {
	Query(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (consensus.AggregateResult, error)
}

// TimeOracle answers ownership queries from the event log.
type TimeOracle interface {
	GetOwnerAtTime(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipRecord, error)
}

// DisputeFlagger records an unresolved ownership conflict.
type DisputeFlagger interface {
	FlagDispute(ctx context.Context, assetID id.AssetID, reason string, claims []domain.DisputeClaim) (domain.DisputeFlag, error)
}

// Oracle serves the ownership read operations.
type Oracle struct {
	consensus Consensus
	timeline  TimeOracle
	store     history.Store
	ledger    *encumbrance.Ledger
	flagger   DisputeFlagger
	logger    *slog.Logger
	now       func() time.Time
	limit     int
}

type Option func(*Oracle)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDisputeFlagger flags live queries that end below threshold.
func WithDisputeFlagger(f DisputeFlagger) Option {
	return func(o *Oracle) {
		o.flagger = f
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Oracle) {
		if now != nil {
			o.now = now
		}
	}
}

func New(c Consensus, timeline TimeOracle, store history.Store, opts ...Option) (*Oracle, error) {
	if c == nil {
		return nil, errors.New("consensus engine is required")
	}
	if timeline == nil {
		return nil, errors.New("time oracle is required")
	}
	ledger, err := encumbrance.NewLedger(store)
	if err != nil {
		return nil, err
	}
	o := &Oracle{
		consensus: c,
		timeline:  timeline,
		store:     store,
		ledger:    ledger,
		logger:    slog.Default(),
		now:       time.Now,
		limit:     defaultPortfolioLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// SetDisputeFlagger wires the flagger after construction, for callers whose
// flagger depends on this oracle.
func (o *Oracle) SetDisputeFlagger(f DisputeFlagger) {
	o.flagger = f
}

// GetCurrentOwner returns the owner as of asOf. Live queries use consensus
// and carry the current encumbrance flag; pinned queries replay the log.
//
// A below-threshold live query returns the partial record together with the
// below-threshold error, after flagging the asset when a flagger is set.
func (o *Oracle) GetCurrentOwner(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (domain.OwnershipRecord, error) {
	if assetID.IsZero() {
		return domain.OwnershipRecord{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	if at, pinned := asOf.Time(); pinned {
		return o.timeline.GetOwnerAtTime(ctx, assetID, at)
	}

	res, err := o.consensus.Query(ctx, assetID, id.Live())
	if err != nil && !consensus.IsBelowThreshold(err) {
		return domain.OwnershipRecord{}, err
	}
	encumbered, encErr := o.isEncumbered(ctx, assetID)
	if encErr != nil {
		return domain.OwnershipRecord{}, encErr
	}
	record := res.Record(encumbered)
	if err != nil {
		o.autoFlag(ctx, res)
		return record, err
	}
	return record, nil
}

func (o *Oracle) isEncumbered(ctx context.Context, assetID id.AssetID) (bool, error) {
	check, err := o.ledger.Check(ctx, assetID)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return check.IsEncumbered, nil
}

// autoFlag records a dispute naming every owner the sources reported.
func (o *Oracle) autoFlag(ctx context.Context, res consensus.AggregateResult) {
	if o.flagger == nil || len(res.Groups) == 0 {
		return
	}
	claims := make([]domain.DisputeClaim, 0, len(res.Groups))
	for _, g := range res.Groups {
		claims = append(claims, domain.DisputeClaim{
			ClaimID:        id.NewClaimID(),
			AssetID:        res.AssetID,
			Claimant:       g.Owner,
			ClaimTimestamp: res.AsOf,
			EvidenceRef:    "consensus",
		})
	}
	flag, err := o.flagger.FlagDispute(ctx, res.AssetID, autoFlagReason, claims)
	if err != nil {
		o.logger.ErrorContext(ctx, "failed to flag dispute", "asset_id", res.AssetID, "error", err)
		return
	}
	o.logger.WarnContext(ctx, "asset flagged for review",
		"asset_id", res.AssetID,
		"dispute_id", flag.DisputeID,
		"consensus_level", res.ConsensusLevel,
	)
}

// CheckEncumbrance lists the asset's active encumbrances from the ledger.
func (o *Oracle) CheckEncumbrance(ctx context.Context, assetID id.AssetID) (domain.EncumbranceCheck, error) {
	if assetID.IsZero() {
		return domain.EncumbranceCheck{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	return o.ledger.Check(ctx, assetID)
}

// GetPortfolio lists the assets ownerID currently holds according to the
// log, filtered by value and type.
func (o *Oracle) GetPortfolio(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) ([]domain.AssetOwnership, error) {
	lines, err := o.holdings(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AssetOwnership, 0, len(lines))
	for _, l := range lines {
		if filter.Matches(l.line, l.line.Value) {
			out = append(out, l.line)
		}
	}
	return out, nil
}

// GetAvailableAssets lists the owner's assets that still have value to
// pledge. An asset's available value is its recorded value minus the sum of
// its active encumbrances, so a partly pledged asset stays in the list with
// the remainder and only a fully encumbered one is dropped. MinValue applies
// to the available value.
func (o *Oracle) GetAvailableAssets(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) ([]domain.AssetOwnership, error) {
	lines, err := o.holdings(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AssetOwnership, 0, len(lines))
	for _, l := range lines {
		if l.fully {
			continue
		}
		if filter.Matches(l.line, l.line.AvailableValue) {
			out = append(out, l.line)
		}
	}
	return out, nil
}

type holding struct {
	line  domain.AssetOwnership
	fully bool
}

// holdings replays every asset the owner index associates with ownerID and
// keeps those the owner still holds, ordered by asset ID.
func (o *Oracle) holdings(ctx context.Context, ownerID id.OwnerID) ([]holding, error) {
	if ownerID.IsZero() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "owner ID is required")
	}
	candidates, err := o.store.OwnerAssets(ctx, ownerID.String(), id.Live())
	if err != nil {
		return nil, history.CodedError(err, "failed to read owner index")
	}

	found := make([]*holding, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.limit)
	for i, assetID := range candidates {
		g.Go(func() error {
			events, err := o.store.EventsFor(gctx, assetID, id.Live())
			if err != nil {
				return history.CodedError(err, "failed to read asset history")
			}
			st := history.Replay(events)
			if !id.SameOwner(st.Owner, ownerID.String()) {
				return nil
			}
			found[i] = &holding{line: st.Line(ownerID), fully: st.FullyEncumbered()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, dErrors.Cancelled(ctx.Err())
		}
		return nil, err
	}

	out := make([]holding, 0, len(found))
	for _, h := range found {
		if h != nil {
			out = append(out, *h)
		}
	}
	return out, nil
}

// VerifyOwnershipClaim asks the sources who owned the asset at the claimed
// time and reports whether that matches claimedOwner. A zero at asks about
// now. It only reports; nothing is written.
func (o *Oracle) VerifyOwnershipClaim(ctx context.Context, assetID id.AssetID, claimedOwner string, at time.Time) (domain.ClaimVerification, error) {
	if assetID.IsZero() {
		return domain.ClaimVerification{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	if id.NormalizeOwner(claimedOwner) == "" {
		return domain.ClaimVerification{}, dErrors.New(dErrors.CodeBadRequest, "claimed owner is required")
	}
	asOf := id.Live()
	if !at.IsZero() {
		asOf = id.At(at)
	}

	res, err := o.consensus.Query(ctx, assetID, asOf)
	if err != nil && !consensus.IsBelowThreshold(err) {
		return domain.ClaimVerification{}, err
	}
	return domain.ClaimVerification{
		AssetID:        assetID,
		ClaimedOwner:   claimedOwner,
		At:             res.AsOf,
		ConsensusOwner: res.Owner,
		Confidence:     res.ConsensusLevel,
		Matches:        res.Owner != "" && id.SameOwner(res.Owner, claimedOwner),
		Authoritative:  res.Authoritative,
		Sources:        res.Contributing(),
		CheckedAt:      o.now().UTC(),
	}, nil
}
