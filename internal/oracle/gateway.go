// Package oracle is the outbound surface of the service. Every operation
// returns a result.Result so expected failures carry their code and
// diagnostic details instead of escaping as bare errors.
package oracle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"collateraloracle/internal/domain"
	"collateraloracle/internal/encumbrance"
	"collateraloracle/internal/oracle/metrics"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
	"collateraloracle/pkg/requestcontext"
	"collateraloracle/pkg/result"
)

// OwnershipService answers current ownership questions.
type OwnershipService interface {
	GetCurrentOwner(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (domain.OwnershipRecord, error)
	CheckEncumbrance(ctx context.Context, assetID id.AssetID) (domain.EncumbranceCheck, error)
	GetPortfolio(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) ([]domain.AssetOwnership, error)
	GetAvailableAssets(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) ([]domain.AssetOwnership, error)
	VerifyOwnershipClaim(ctx context.Context, assetID id.AssetID, claimedOwner string, at time.Time) (domain.ClaimVerification, error)
}

// TimeService answers questions about the past from the event log.
type TimeService interface {
	GetOwnerAtTime(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipRecord, error)
	CheckAvailabilityAtTime(ctx context.Context, assetID id.AssetID, t time.Time) (domain.AvailabilityRecord, error)
	GetPortfolioSnapshot(ctx context.Context, ownerID id.OwnerID, t time.Time) (domain.PortfolioSnapshot, error)
	GenerateOwnershipEvidence(ctx context.Context, assetID id.AssetID, t time.Time) (domain.OwnershipEvidence, error)
}

// EncumbranceService manages pledges, liens and locks.
type EncumbranceService interface {
	CreateEncumbrance(ctx context.Context, req encumbrance.CreateRequest) (domain.Encumbrance, error)
	ReleaseEncumbrance(ctx context.Context, encID id.EncumbranceID, actor string) (domain.ReleaseRecord, error)
	CheckEncumbrance(ctx context.Context, assetID id.AssetID) (domain.EncumbranceCheck, error)
	GetMaturitySchedule(ctx context.Context, from, to time.Time) ([]domain.Encumbrance, error)
}

// DisputeService settles and escalates conflicting claims.
type DisputeService interface {
	ResolveOwnershipDispute(ctx context.Context, assetID id.AssetID, claims []domain.DisputeClaim) (domain.DisputeOutcome, error)
	VerifyClaim(ctx context.Context, claim domain.DisputeClaim) (domain.ClaimAssessment, error)
	FlagDispute(ctx context.Context, assetID id.AssetID, reason string, claims []domain.DisputeClaim) (domain.DisputeFlag, error)
	GenerateCourtEvidence(ctx context.Context, assetID id.AssetID, at time.Time, claims []domain.DisputeClaim) (domain.CourtEvidence, error)
}

// Gateway exposes the oracle operations.
type Gateway struct {
	ownership   OwnershipService
	timeline    TimeService
	encumbrance EncumbranceService
	disputes    DisputeService
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func New(own OwnershipService, timeline TimeService, enc EncumbranceService, disputes DisputeService, opts ...Option) (*Gateway, error) {
	if own == nil {
		return nil, errors.New("ownership service is required")
	}
	if timeline == nil {
		return nil, errors.New("time service is required")
	}
	if enc == nil {
		return nil, errors.New("encumbrance service is required")
	}
	if disputes == nil {
		return nil, errors.New("dispute service is required")
	}
	g := &Gateway{
		ownership:   own,
		timeline:    timeline,
		encumbrance: enc,
		disputes:    disputes,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// expected codes are outcomes callers act on, not faults.
var expected = map[dErrors.Code]bool{
	dErrors.CodeNotFound:                true,
	dErrors.CodeConsensusBelowThreshold: true,
	dErrors.CodeInsufficientCollateral:  true,
	dErrors.CodeInvalidClaim:            true,
	dErrors.CodeBadRequest:              true,
	dErrors.CodeInvalidInput:            true,
	dErrors.CodeCancelled:               true,
}

func run[T any](ctx context.Context, g *Gateway, operation string, fn func(context.Context) (T, error)) result.Result[T] {
	start := time.Now()
	value, err := fn(ctx)
	res := result.From(value, err)

	outcome := "ok"
	if res.IsError {
		outcome = string(res.Code)
		attrs := []any{
			"operation", operation,
			"code", res.Code,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		}
		if expected[res.Code] {
			g.logger.DebugContext(ctx, "oracle operation returned a failure result", attrs...)
		} else {
			g.logger.ErrorContext(ctx, "oracle operation failed", attrs...)
		}
	}
	if g.metrics != nil {
		g.metrics.ObserveOperation(operation, outcome, start)
	}
	return res
}

func (g *Gateway) GetCurrentOwner(ctx context.Context, assetID id.AssetID, asOf id.AsOf) result.Result[domain.OwnershipRecord] {
	return run(ctx, g, "get_current_owner", func(ctx context.Context) (domain.OwnershipRecord, error) {
		return g.ownership.GetCurrentOwner(ctx, assetID, asOf)
	})
}

// CheckEncumbrance reads the tracker's ledger; no consensus is involved.
func (g *Gateway) CheckEncumbrance(ctx context.Context, assetID id.AssetID) result.Result[domain.EncumbranceCheck] {
	return run(ctx, g, "check_encumbrance", func(ctx context.Context) (domain.EncumbranceCheck, error) {
		return g.ownership.CheckEncumbrance(ctx, assetID)
	})
}

func (g *Gateway) GetPortfolio(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) result.Result[[]domain.AssetOwnership] {
	return run(ctx, g, "get_portfolio", func(ctx context.Context) ([]domain.AssetOwnership, error) {
		return g.ownership.GetPortfolio(ctx, ownerID, filter)
	})
}

func (g *Gateway) GetAvailableAssets(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) result.Result[[]domain.AssetOwnership] {
	return run(ctx, g, "get_available_assets", func(ctx context.Context) ([]domain.AssetOwnership, error) {
		return g.ownership.GetAvailableAssets(ctx, ownerID, filter)
	})
}

func (g *Gateway) VerifyOwnershipClaim(ctx context.Context, assetID id.AssetID, claimedOwner string, at time.Time) result.Result[domain.ClaimVerification] {
	return run(ctx, g, "verify_ownership_claim", func(ctx context.Context) (domain.ClaimVerification, error) {
		return g.ownership.VerifyOwnershipClaim(ctx, assetID, claimedOwner, at)
	})
}

func (g *Gateway) GetOwnerAtTime(ctx context.Context, assetID id.AssetID, t time.Time) result.Result[domain.OwnershipRecord] {
	return run(ctx, g, "get_owner_at_time", func(ctx context.Context) (domain.OwnershipRecord, error) {
		return g.timeline.GetOwnerAtTime(ctx, assetID, t)
	})
}

func (g *Gateway) CheckAvailabilityAtTime(ctx context.Context, assetID id.AssetID, t time.Time) result.Result[domain.AvailabilityRecord] {
	return run(ctx, g, "check_availability_at_time", func(ctx context.Context) (domain.AvailabilityRecord, error) {
		return g.timeline.CheckAvailabilityAtTime(ctx, assetID, t)
	})
}

func (g *Gateway) GetPortfolioSnapshot(ctx context.Context, ownerID id.OwnerID, t time.Time) result.Result[domain.PortfolioSnapshot] {
	return run(ctx, g, "get_portfolio_snapshot", func(ctx context.Context) (domain.PortfolioSnapshot, error) {
		return g.timeline.GetPortfolioSnapshot(ctx, ownerID, t)
	})
}

func (g *Gateway) GenerateOwnershipEvidence(ctx context.Context, assetID id.AssetID, t time.Time) result.Result[domain.OwnershipEvidence] {
	return run(ctx, g, "generate_ownership_evidence", func(ctx context.Context) (domain.OwnershipEvidence, error) {
		return g.timeline.GenerateOwnershipEvidence(ctx, assetID, t)
	})
}

func (g *Gateway) CreateEncumbrance(ctx context.Context, req encumbrance.CreateRequest) result.Result[domain.Encumbrance] {
	return run(ctx, g, "create_encumbrance", func(ctx context.Context) (domain.Encumbrance, error) {
		return g.encumbrance.CreateEncumbrance(ctx, req)
	})
}

// ReleaseEncumbrance succeeds for an already released encumbrance; the
// record then has AlreadyReleased set.
func (g *Gateway) ReleaseEncumbrance(ctx context.Context, encID id.EncumbranceID, actor string) result.Result[domain.ReleaseRecord] {
	return run(ctx, g, "release_encumbrance", func(ctx context.Context) (domain.ReleaseRecord, error) {
		return g.encumbrance.ReleaseEncumbrance(ctx, encID, actor)
	})
}

func (g *Gateway) GetMaturitySchedule(ctx context.Context, from, to time.Time) result.Result[[]domain.Encumbrance] {
	return run(ctx, g, "get_maturity_schedule", func(ctx context.Context) ([]domain.Encumbrance, error) {
		return g.encumbrance.GetMaturitySchedule(ctx, from, to)
	})
}

func (g *Gateway) ResolveOwnershipDispute(ctx context.Context, assetID id.AssetID, claims []domain.DisputeClaim) result.Result[domain.DisputeOutcome] {
	return run(ctx, g, "resolve_ownership_dispute", func(ctx context.Context) (domain.DisputeOutcome, error) {
		return g.disputes.ResolveOwnershipDispute(ctx, assetID, claims)
	})
}

func (g *Gateway) VerifyClaim(ctx context.Context, claim domain.DisputeClaim) result.Result[domain.ClaimAssessment] {
	return run(ctx, g, "verify_claim", func(ctx context.Context) (domain.ClaimAssessment, error) {
		return g.disputes.VerifyClaim(ctx, claim)
	})
}

func (g *Gateway) FlagDispute(ctx context.Context, assetID id.AssetID, reason string, claims []domain.DisputeClaim) result.Result[domain.DisputeFlag] {
	return run(ctx, g, "flag_dispute", func(ctx context.Context) (domain.DisputeFlag, error) {
		return g.disputes.FlagDispute(ctx, assetID, reason, claims)
	})
}

func (g *Gateway) GenerateCourtEvidence(ctx context.Context, assetID id.AssetID, at time.Time, claims []domain.DisputeClaim) result.Result[domain.CourtEvidence] {
	return run(ctx, g, "generate_court_evidence", func(ctx context.Context) (domain.CourtEvidence, error) {
		return g.disputes.GenerateCourtEvidence(ctx, assetID, at, claims)
	})
}
