// Package dispute settles conflicting ownership claims. Claims are checked
// against consensus at the claimed time, the attached attestation and the
// event log. Anything that cannot be decided deterministically is flagged
// for human review instead of guessed.
package dispute

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/consensus"
	"collateraloracle/internal/domain"
	"collateraloracle/internal/history"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
	"collateraloracle/pkg/requestcontext"
)

const (
	// DefaultClaimEpsilon is how many consensus points apart two claims may
	// be and still count as tied.
	DefaultClaimEpsilon = 1.0

	resolverActor  = "dispute-resolver"
	resolverSource = "dispute-resolver"

	// appendAttempts bounds re-reads when another writer moves the head
	// between replay and append.
	appendAttempts = 3

	ReasonBelowThreshold = "consensus below threshold"
	ReasonNoValidClaim   = "no claim passed verification"
	ReasonUnbrokenTie    = "tie between claims could not be broken"
)

// Consensus answers pinned ownership queries from sources.
type Consensus interface {
	Query(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (consensus.AggregateResult, error)
}

// TimeOracle replays the event log.
type TimeOracle interface {
	GetOwnerAtTime(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipRecord, error)
	GenerateOwnershipEvidence(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipEvidence, error)
}

// Resolver is the only writer of dispute and resolution events.
type Resolver struct {
	consensus Consensus
	timeline  TimeOracle
	store     history.Store
	verifier  attestation.Verifier
	epsilon   float64
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Resolver)

// WithVerifier checks attestations attached to claims. Without one,
// attached proofs are not checked.
func WithVerifier(v attestation.Verifier) Option {
	return func(r *Resolver) {
		r.verifier = v
	}
}

func WithClaimEpsilon(points float64) Option {
	return func(r *Resolver) {
		if points >= 0 {
			r.epsilon = points
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func New(c Consensus, timeline TimeOracle, store history.Store, opts ...Option) (*Resolver, error) {
	if c == nil {
		return nil, errors.New("consensus engine is required")
	}
	if timeline == nil {
		return nil, errors.New("time oracle is required")
	}
	if store == nil {
		return nil, errors.New("history store is required")
	}
	r := &Resolver{
		consensus: c,
		timeline:  timeline,
		store:     store,
		epsilon:   DefaultClaimEpsilon,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func validateClaim(claim domain.DisputeClaim) error {
	switch {
	case claim.AssetID.IsZero():
		return dErrors.New(dErrors.CodeBadRequest, "claim names no asset")
	case id.NormalizeOwner(claim.Claimant) == "":
		return dErrors.New(dErrors.CodeBadRequest, "claim names no claimant")
	case claim.ClaimTimestamp.IsZero():
		return dErrors.New(dErrors.CodeBadRequest, "claim has no timestamp")
	}
	return nil
}

// VerifyClaim checks one claim against consensus at the claimed time, the
// attached attestation and the log replayed to that time.
func (r *Resolver) VerifyClaim(ctx context.Context, claim domain.DisputeClaim) (domain.ClaimAssessment, error) {
	if err := validateClaim(claim); err != nil {
		return domain.ClaimAssessment{}, err
	}
	at := claim.ClaimTimestamp.UTC()

	res, err := r.consensus.Query(ctx, claim.AssetID, id.At(at))
	if err != nil && !consensus.IsBelowThreshold(err) {
		return domain.ClaimAssessment{}, err
	}

	a := domain.ClaimAssessment{
		Claim:          claim,
		ConsensusOwner: res.Owner,
		Authoritative:  res.Authoritative,
		Matches:        res.Owner != "" && id.SameOwner(res.Owner, claim.Claimant),
		Sources:        []id.SourceID{},
	}
	normalized := id.NormalizeOwner(claim.Claimant)
	for _, g := range res.Groups {
		if g.Owner == normalized {
			a.ConsensusLevel = g.Percentage
			a.Sources = slices.Clone(g.Sources)
			break
		}
	}

	rec, err := r.timeline.GetOwnerAtTime(ctx, claim.AssetID, at)
	switch {
	case err == nil:
		a.HistoryOwner = rec.Owner
	case dErrors.HasCode(err, dErrors.CodeNotFound):
	default:
		return domain.ClaimAssessment{}, err
	}

	if claim.Proof != nil && r.verifier != nil {
		a.ProofChecked = true
		a.ProofValid = r.checkProof(ctx, claim, res) == nil
	}

	historyAgrees := a.HistoryOwner == "" || id.SameOwner(a.HistoryOwner, claim.Claimant)
	switch {
	case !a.Matches:
		a.Reason = "consensus names a different owner"
	case a.ProofChecked && !a.ProofValid:
		a.Reason = "attached attestation failed verification"
	case !historyAgrees:
		a.Reason = "event log names a different owner"
	default:
		a.Valid = true
	}
	return a, nil
}

// checkProof verifies the attached attestation and, when the same source
// voted in the consensus query, that it said the same thing then.
func (r *Resolver) checkProof(ctx context.Context, claim domain.DisputeClaim, res consensus.AggregateResult) error {
	p := claim.Proof
	att := &attestation.Attestation{
		SourceID:    p.SourceID,
		Chain:       p.Chain,
		AssetID:     claim.AssetID,
		Owner:       p.Owner,
		BlockHeight: p.BlockHeight,
		ObservedAt:  p.ObservedAt,
		ChainProof:  p.ChainProof,
		Signature:   p.Signature,
	}
	if !id.SameOwner(p.Owner, claim.Claimant) {
		return errors.New("attestation names another owner")
	}
	if err := r.verifier.Verify(ctx, att); err != nil {
		return err
	}
	if live, ok := res.AttestationFrom(p.SourceID); ok && !id.SameOwner(live.Owner, p.Owner) {
		return errors.New("source now attests a different owner for that time")
	}
	return nil
}

// ResolveOwnershipDispute verifies every claim and picks a winner: highest
// consensus first, then within the claim epsilon the earliest claim. Below
// threshold consensus, no valid claim or an unbreakable tie produce a flag
// instead of a resolution.
func (r *Resolver) ResolveOwnershipDispute(ctx context.Context, assetID id.AssetID, claims []domain.DisputeClaim) (domain.DisputeOutcome, error) {
	if assetID.IsZero() {
		return domain.DisputeOutcome{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	if len(claims) == 0 {
		return domain.DisputeOutcome{}, dErrors.New(dErrors.CodeBadRequest, "at least one claim is required")
	}
	claims = slices.Clone(claims)
	for i := range claims {
		if claims[i].AssetID.IsZero() {
			claims[i].AssetID = assetID
		}
		if claims[i].AssetID != assetID {
			return domain.DisputeOutcome{}, dErrors.New(dErrors.CodeBadRequest, "claim concerns another asset").
				WithDetail("claim_id", claims[i].ClaimID.String())
		}
		if claims[i].ClaimID.IsNil() {
			claims[i].ClaimID = id.NewClaimID()
		}
	}

	// Claims are verified one at a time, in the order given, so the
	// assessments line up with the claims.
	assessments := make([]domain.ClaimAssessment, 0, len(claims))
	for _, claim := range claims {
		a, err := r.VerifyClaim(ctx, claim)
		if err != nil {
			return domain.DisputeOutcome{}, err
		}
		assessments = append(assessments, a)
	}

	if slices.ContainsFunc(assessments, func(a domain.ClaimAssessment) bool { return !a.Authoritative }) {
		return r.flagOutcome(ctx, assetID, ReasonBelowThreshold, claims, assessments)
	}
	winner, reason := r.pick(assessments)
	if winner == nil {
		return r.flagOutcome(ctx, assetID, reason, claims, assessments)
	}

	resolution, err := r.resolve(ctx, assetID, *winner, assessments)
	if err != nil {
		return domain.DisputeOutcome{}, err
	}
	return domain.DisputeOutcome{Resolution: &resolution}, nil
}

// pick applies the tie-break to the valid assessments. It returns nil and
// the reason when no single claimant wins.
func (r *Resolver) pick(assessments []domain.ClaimAssessment) (*domain.ClaimAssessment, string) {
	var valid []domain.ClaimAssessment
	for _, a := range assessments {
		if a.Valid {
			valid = append(valid, a)
		}
	}
	if len(valid) == 0 {
		return nil, ReasonNoValidClaim
	}
	slices.SortStableFunc(valid, func(a, b domain.ClaimAssessment) int {
		return cmp.Compare(b.ConsensusLevel, a.ConsensusLevel)
	})
	top := valid[0].ConsensusLevel
	contenders := slices.DeleteFunc(valid, func(a domain.ClaimAssessment) bool {
		return top-a.ConsensusLevel > r.epsilon
	})
	slices.SortStableFunc(contenders, func(a, b domain.ClaimAssessment) int {
		return a.Claim.ClaimTimestamp.Compare(b.Claim.ClaimTimestamp)
	})
	earliest := contenders[0]
	for _, c := range contenders[1:] {
		if !c.Claim.ClaimTimestamp.Equal(earliest.Claim.ClaimTimestamp) {
			break
		}
		if !id.SameOwner(c.Claim.Claimant, earliest.Claim.Claimant) {
			return nil, ReasonUnbrokenTie
		}
	}
	return &earliest, ""
}

func (r *Resolver) actor(ctx context.Context) string {
	if actor := requestcontext.Actor(ctx); actor != "" {
		return actor
	}
	return resolverActor
}

// resolve appends a resolution event for every open dispute on the asset,
// or one for a fresh dispute ID when none is open. Each append expects the
// head it replayed; a moved head triggers a re-read.
func (r *Resolver) resolve(ctx context.Context, assetID id.AssetID, winner domain.ClaimAssessment, assessments []domain.ClaimAssessment) (domain.DisputeResolution, error) {
	reviewer := requestcontext.Actor(ctx)
	claimTS := winner.Claim.ClaimTimestamp.UTC()
	note := func(disputeID id.DisputeID) *history.DisputeNote {
		return &history.DisputeNote{
			DisputeID:      disputeID,
			Reason:         "resolved by consensus and claim verification",
			Claimants:      claimants(claimsOf(assessments)),
			Winner:         winner.Claim.Claimant,
			ClaimTimestamp: &claimTS,
			ReviewedBy:     reviewer,
		}
	}

	var (
		targets []id.DisputeID
		last    history.OwnershipEvent
	)
	for attempt := 1; ; attempt++ {
		events, err := r.store.EventsFor(ctx, assetID, id.Live())
		if err != nil {
			return domain.DisputeResolution{}, history.CodedError(err, "failed to read asset history")
		}
		st := history.Replay(events)
		pending := make([]id.DisputeID, 0, len(st.OpenDisputes))
		for _, d := range st.OpenDisputes {
			pending = append(pending, d.DisputeID)
		}
		if len(pending) == 0 && len(targets) == 0 {
			pending = append(pending, id.NewDisputeID())
		}

		head, stamp := st.Head, r.timestamp(st)
		for _, disputeID := range pending {
			var stored history.OwnershipEvent
			stored, err = r.store.Append(ctx, history.OwnershipEvent{
				AssetID:   assetID,
				Kind:      history.KindResolution,
				Actor:     r.actor(ctx),
				Timestamp: stamp,
				Source:    resolverSource,
				Dispute:   note(disputeID),
			}, history.ExpectHead(head))
			if err != nil {
				break
			}
			last, head = stored, stored.EventID
			targets = append(targets, disputeID)
		}
		if err == nil {
			break
		}
		if attempt == appendAttempts || !headMoved(err) {
			return domain.DisputeResolution{}, history.CodedError(err, "failed to record resolution")
		}
		r.logger.DebugContext(ctx, "asset head moved, retrying resolution", "asset_id", assetID, "attempt", attempt)
	}

	resolution := domain.DisputeResolution{
		DisputeID:   targets[0],
		AssetID:     assetID,
		Winner:      winner.Claim,
		Assessments: assessments,
		EventID:     last.EventID,
		ReviewedBy:  reviewer,
		ResolvedAt:  last.Timestamp,
	}
	evidence, err := r.courtEvidence(ctx, assetID, claimTS, claimsOf(assessments), &resolution.DisputeID)
	switch {
	case err == nil:
		resolution.Evidence = &evidence
	case dErrors.HasCode(err, dErrors.CodeNotFound):
	default:
		r.logger.WarnContext(ctx, "resolution recorded without evidence", "asset_id", assetID, "error", err)
	}

	r.logger.InfoContext(ctx, "ownership dispute resolved",
		"asset_id", assetID,
		"dispute_id", resolution.DisputeID,
		"winner", winner.Claim.Claimant,
		"consensus_level", winner.ConsensusLevel,
	)
	return resolution, nil
}

func (r *Resolver) flagOutcome(ctx context.Context, assetID id.AssetID, reason string, claims []domain.DisputeClaim, assessments []domain.ClaimAssessment) (domain.DisputeOutcome, error) {
	flag, err := r.flag(ctx, assetID, reason, claims)
	if err != nil {
		return domain.DisputeOutcome{}, err
	}
	flag.Assessments = assessments
	return domain.DisputeOutcome{Flag: &flag}, nil
}

// FlagDispute records an unresolved dispute. Flagging the same reason and
// claimants again while that dispute is open returns the existing flag.
// A flag is never resolved automatically.
func (r *Resolver) FlagDispute(ctx context.Context, assetID id.AssetID, reason string, claims []domain.DisputeClaim) (domain.DisputeFlag, error) {
	if assetID.IsZero() {
		return domain.DisputeFlag{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	if reason == "" {
		return domain.DisputeFlag{}, dErrors.New(dErrors.CodeBadRequest, "a reason is required")
	}
	return r.flag(ctx, assetID, reason, claims)
}

func (r *Resolver) flag(ctx context.Context, assetID id.AssetID, reason string, claims []domain.DisputeClaim) (domain.DisputeFlag, error) {
	names := claimants(claims)
	for attempt := 1; ; attempt++ {
		events, err := r.store.EventsFor(ctx, assetID, id.Live())
		if err != nil {
			return domain.DisputeFlag{}, history.CodedError(err, "failed to read asset history")
		}
		if existing, ok := openFlag(events, reason, names); ok {
			return existing, nil
		}

		st := history.Replay(events)
		stored, err := r.store.Append(ctx, history.OwnershipEvent{
			AssetID:   assetID,
			Kind:      history.KindDispute,
			Actor:     r.actor(ctx),
			Timestamp: r.timestamp(st),
			Source:    resolverSource,
			Dispute: &history.DisputeNote{
				DisputeID: id.NewDisputeID(),
				Reason:    reason,
				Claimants: names,
			},
		}, history.ExpectHead(st.Head))
		if err == nil {
			r.logger.WarnContext(ctx, "ownership dispute flagged",
				"asset_id", assetID,
				"dispute_id", stored.Dispute.DisputeID,
				"reason", reason,
				"claimants", names,
			)
			return flagFromEvent(stored), nil
		}
		if attempt == appendAttempts || !headMoved(err) {
			return domain.DisputeFlag{}, history.CodedError(err, "failed to record dispute")
		}
		r.logger.DebugContext(ctx, "asset head moved, retrying dispute flag", "asset_id", assetID, "attempt", attempt)
	}
}

// headMoved reports whether an append lost to a concurrent writer.
func headMoved(err error) bool {
	return history.IsConflict(err) || history.IsOutOfOrder(err)
}

// openFlag finds a still-open dispute with the same reason and claimants.
func openFlag(events []history.OwnershipEvent, reason string, names []string) (domain.DisputeFlag, bool) {
	open := make(map[id.DisputeID]bool)
	for _, st := range history.Replay(events).OpenDisputes {
		open[st.DisputeID] = true
	}
	for _, evt := range events {
		if evt.Kind != history.KindDispute || !open[evt.Dispute.DisputeID] {
			continue
		}
		if evt.Dispute.Reason == reason && slices.Equal(evt.Dispute.Claimants, names) {
			return flagFromEvent(evt), true
		}
	}
	return domain.DisputeFlag{}, false
}

func flagFromEvent(evt history.OwnershipEvent) domain.DisputeFlag {
	return domain.DisputeFlag{
		DisputeID: evt.Dispute.DisputeID,
		AssetID:   evt.AssetID,
		Reason:    evt.Dispute.Reason,
		Claimants: slices.Clone(evt.Dispute.Claimants),
		EventID:   evt.EventID,
		FlaggedAt: evt.Timestamp,
	}
}

// claimants returns the distinct normalized claimants, sorted.
func claimants(claims []domain.DisputeClaim) []string {
	out := make([]string, 0, len(claims))
	for _, c := range claims {
		out = append(out, id.NormalizeOwner(c.Claimant))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func claimsOf(assessments []domain.ClaimAssessment) []domain.DisputeClaim {
	out := make([]domain.DisputeClaim, 0, len(assessments))
	for _, a := range assessments {
		out = append(out, a.Claim)
	}
	return out
}

func (r *Resolver) timestamp(st history.AssetState) time.Time {
	now := r.now().UTC()
	if now.Before(st.LastEventAt) {
		return st.LastEventAt
	}
	return now
}

// GenerateCourtEvidence builds ownership evidence at t and attaches the
// claims and the asset's most recent open dispute, if any.
func (r *Resolver) GenerateCourtEvidence(ctx context.Context, assetID id.AssetID, t time.Time, claims []domain.DisputeClaim) (domain.CourtEvidence, error) {
	if assetID.IsZero() {
		return domain.CourtEvidence{}, dErrors.New(dErrors.CodeBadRequest, "asset ID is required")
	}
	events, err := r.store.EventsFor(ctx, assetID, id.Live())
	if err != nil {
		return domain.CourtEvidence{}, history.CodedError(err, "failed to read asset history")
	}
	var disputeID *id.DisputeID
	if open := history.Replay(events).OpenDisputes; len(open) > 0 {
		latest := open[len(open)-1].DisputeID
		disputeID = &latest
	}
	return r.courtEvidence(ctx, assetID, t, claims, disputeID)
}

func (r *Resolver) courtEvidence(ctx context.Context, assetID id.AssetID, t time.Time, claims []domain.DisputeClaim, disputeID *id.DisputeID) (domain.CourtEvidence, error) {
	ev, err := r.timeline.GenerateOwnershipEvidence(ctx, assetID, t)
	if err != nil {
		return domain.CourtEvidence{}, err
	}
	return domain.CourtEvidence{
		OwnershipEvidence: ev,
		DisputeID:         disputeID,
		Claims:            slices.Clone(claims),
	}, nil
}
