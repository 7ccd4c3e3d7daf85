// Package encumbrance manages pledges, liens and locks on assets. Every
// transition is an event in the ownership log; current state is always a
// fold of that log.
package encumbrance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"collateraloracle/internal/domain"
	"collateraloracle/internal/encumbrance/metrics"
	"collateraloracle/internal/history"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
	"collateraloracle/pkg/requestcontext"
)

const (
	// MaturityActor tags releases performed by the maturity monitor. No
	// other caller may release under this name.
	MaturityActor = "system-maturity-monitor"

	// DefaultActor is used when a release names no actor and the context
	// carries none.
	DefaultActor = "api"

	DefaultMaturityInterval = time.Minute
)

// AvailabilityReader reports the unencumbered value of an owner's assets.
type AvailabilityReader interface {
	GetAvailableAssets(ctx context.Context, ownerID id.OwnerID, filter domain.PortfolioFilter) ([]domain.AssetOwnership, error)
}

// CreateRequest describes a new encumbrance. Owner, when set, must match
// the asset's current owner.
type CreateRequest struct {
	AssetID    id.AssetID
	Owner      string
	Holder     string
	Kind       domain.EncumbranceKind
	Amount     decimal.Decimal
	Priority   int
	MaturesAt  *time.Time
	ChainProof []byte
}

func (r CreateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.AssetID, validation.Required),
		validation.Field(&r.Holder, validation.Required),
		validation.Field(&r.Kind, validation.Required, validation.By(func(any) error {
			if !r.Kind.IsValid() {
				return fmt.Errorf("unknown encumbrance kind %q", r.Kind)
			}
			return nil
		})),
		validation.Field(&r.Amount, validation.By(func(any) error {
			if !r.Amount.IsPositive() {
				return errors.New("must be positive")
			}
			return nil
		})),
		validation.Field(&r.Priority, validation.Min(0)),
	)
}

// Tracker is the only writer of encumbrance events.
type Tracker struct {
	store    history.Store
	ledger   *Ledger
	locker   Locker
	avail    AvailabilityReader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	interval time.Duration
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithMaturityInterval sets how often the maturity monitor sweeps.
func WithMaturityInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

func New(store history.Store, locker Locker, avail AvailabilityReader, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("history store is required")
	}
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if avail == nil {
		return nil, errors.New("availability reader is required")
	}
	ledger, err := NewLedger(store)
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		store:    store,
		ledger:   ledger,
		locker:   locker,
		avail:    avail,
		logger:   slog.Default(),
		now:      time.Now,
		interval: DefaultMaturityInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Ledger exposes the read side the tracker writes through.
func (t *Tracker) Ledger() *Ledger {
	return t.ledger
}

// lock takes the per-asset write lock, translating context errors.
func (t *Tracker) lock(ctx context.Context, assetID id.AssetID) (Unlock, error) {
	start := time.Now()
	unlock, err := t.locker.Lock(ctx, assetID)
	if t.metrics != nil {
		t.metrics.ObserveLockWait(start)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, dErrors.Cancelled(err)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to lock asset")
	}
	return unlock, nil
}

// CreateEncumbrance checks available value and appends a pledge or lien
// event while holding the asset's write lock. Nothing is written when the
// amount exceeds what is available or ctx is cancelled.
func (t *Tracker) CreateEncumbrance(ctx context.Context, req CreateRequest) (domain.Encumbrance, error) {
	if err := req.Validate(); err != nil {
		return domain.Encumbrance{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid encumbrance request")
	}

	unlock, err := t.lock(ctx, req.AssetID)
	if err != nil {
		return domain.Encumbrance{}, err
	}
	defer unlock()

	st, err := t.ledger.State(ctx, req.AssetID, id.Live())
	if err != nil {
		return domain.Encumbrance{}, err
	}
	if st.Owner == "" {
		return domain.Encumbrance{}, dErrors.New(dErrors.CodeNotFound, "asset has no recorded owner").
			WithDetail("asset_id", req.AssetID.String())
	}
	if req.Owner != "" && !id.SameOwner(req.Owner, st.Owner) {
		t.reject("owner_mismatch")
		return domain.Encumbrance{}, dErrors.New(dErrors.CodeBadRequest, "requester does not own the asset").
			WithDetail("asset_id", req.AssetID.String())
	}

	available, err := t.available(ctx, id.OwnerID(st.Owner), req.AssetID)
	if err != nil {
		return domain.Encumbrance{}, err
	}
	if req.Amount.GreaterThan(available) {
		t.reject("insufficient_collateral")
		return domain.Encumbrance{}, dErrors.New(dErrors.CodeInsufficientCollateral, "requested amount exceeds available value").
			WithDetail("asset_id", req.AssetID.String()).
			WithDetail("requested", req.Amount.String()).
			WithDetail("available", available.String())
	}

	kind := history.KindPledge
	if req.Kind == domain.EncumbranceLien {
		kind = history.KindLien
	}
	evt := history.OwnershipEvent{
		AssetID:      req.AssetID,
		Kind:         kind,
		Actor:        st.Owner,
		Counterparty: req.Holder,
		Timestamp:    t.timestamp(st),
		ChainProof:   req.ChainProof,
		Source:       "encumbrance-tracker",
		Encumbrance: &history.EncumbranceTerms{
			Kind:      req.Kind,
			Holder:    req.Holder,
			Amount:    req.Amount,
			Priority:  req.Priority,
			MaturesAt: req.MaturesAt,
		},
	}
	stored, err := t.store.Append(ctx, evt, history.ExpectHead(st.Head))
	if err != nil {
		return domain.Encumbrance{}, history.CodedError(err, "failed to record encumbrance")
	}

	enc, ok := history.Replay([]history.OwnershipEvent{stored}).Encumbrance(id.EncumbranceID(stored.EventID))
	if !ok {
		return domain.Encumbrance{}, dErrors.New(dErrors.CodeInternal, "recorded encumbrance did not replay")
	}
	if t.metrics != nil {
		t.metrics.IncrementCreated(string(req.Kind))
	}
	t.logger.InfoContext(ctx, "encumbrance created",
		"asset_id", req.AssetID,
		"encumbrance_id", enc.EncumbranceID,
		"kind", req.Kind,
		"holder", req.Holder,
		"amount", req.Amount.String(),
	)
	return enc, nil
}

func (t *Tracker) available(ctx context.Context, owner id.OwnerID, assetID id.AssetID) (decimal.Decimal, error) {
	lines, err := t.avail.GetAvailableAssets(ctx, owner, domain.PortfolioFilter{})
	if err != nil {
		if ctx.Err() != nil {
			return decimal.Zero, dErrors.Cancelled(ctx.Err())
		}
		return decimal.Zero, err
	}
	for _, line := range lines {
		if line.AssetID == assetID {
			return line.AvailableValue, nil
		}
	}
	// Fully encumbered assets are not listed.
	return decimal.Zero, nil
}

// timestamp keeps appended events in non-decreasing time order even when
// the local clock lags the asset's latest event.
func (t *Tracker) timestamp(st history.AssetState) time.Time {
	now := t.now().UTC()
	if now.Before(st.LastEventAt) {
		return st.LastEventAt
	}
	return now
}

// ReleaseEncumbrance releases an encumbrance. Releasing one that is already
// released returns the original release with AlreadyReleased set.
//
// An empty actor falls back to the context's actor, then DefaultActor. The
// maturity monitor's actor name is reserved.
func (t *Tracker) ReleaseEncumbrance(ctx context.Context, encID id.EncumbranceID, actor string) (domain.ReleaseRecord, error) {
	if actor == "" {
		actor = requestcontext.Actor(ctx)
	}
	if actor == "" {
		actor = DefaultActor
	}
	if actor == MaturityActor {
		return domain.ReleaseRecord{}, dErrors.New(dErrors.CodeBadRequest, "actor name is reserved for the maturity monitor")
	}
	return t.release(ctx, encID, actor, "request")
}

func (t *Tracker) release(ctx context.Context, encID id.EncumbranceID, actor, trigger string) (domain.ReleaseRecord, error) {
	created, err := t.ledger.creatingEvent(ctx, encID)
	if err != nil {
		return domain.ReleaseRecord{}, err
	}
	assetID := created.AssetID

	unlock, err := t.lock(ctx, assetID)
	if err != nil {
		return domain.ReleaseRecord{}, err
	}
	defer unlock()

	events, st, err := t.ledger.load(ctx, assetID, id.Live())
	if err != nil {
		return domain.ReleaseRecord{}, err
	}
	enc, ok := st.Encumbrance(encID)
	if !ok {
		return domain.ReleaseRecord{}, notFound(encID)
	}
	if !enc.IsActive() {
		return previousRelease(events, enc), nil
	}

	evt := history.OwnershipEvent{
		AssetID:      assetID,
		Kind:         history.KindRelease,
		Actor:        actor,
		Counterparty: enc.Holder,
		Timestamp:    t.timestamp(st),
		Source:       "encumbrance-tracker",
		Encumbrance: &history.EncumbranceTerms{
			EncumbranceID: encID,
			Kind:          enc.Kind,
			Holder:        enc.Holder,
			Amount:        enc.Amount,
		},
	}
	stored, err := t.store.Append(ctx, evt, history.ExpectHead(st.Head))
	if err != nil {
		return domain.ReleaseRecord{}, history.CodedError(err, "failed to record release")
	}
	if t.metrics != nil {
		t.metrics.IncrementReleased(trigger)
	}
	t.logger.InfoContext(ctx, "encumbrance released",
		"asset_id", assetID,
		"encumbrance_id", encID,
		"actor", actor,
	)
	return domain.ReleaseRecord{
		EncumbranceID: encID,
		AssetID:       assetID,
		EventID:       stored.EventID,
		ReleasedAt:    stored.Timestamp,
		ReleasedBy:    actor,
	}, nil
}

// previousRelease rebuilds the record of the release that already happened.
func previousRelease(events []history.OwnershipEvent, enc domain.Encumbrance) domain.ReleaseRecord {
	rec := domain.ReleaseRecord{
		EncumbranceID:   enc.EncumbranceID,
		AssetID:         enc.AssetID,
		ReleasedBy:      enc.ReleasedBy,
		AlreadyReleased: true,
	}
	if enc.ReleasedAt != nil {
		rec.ReleasedAt = *enc.ReleasedAt
	}
	for _, evt := range events {
		if evt.Kind == history.KindRelease && evt.Encumbrance.EncumbranceID == enc.EncumbranceID {
			rec.EventID = evt.EventID
			break
		}
	}
	return rec
}

// CheckEncumbrance lists the asset's active encumbrances.
func (t *Tracker) CheckEncumbrance(ctx context.Context, assetID id.AssetID) (domain.EncumbranceCheck, error) {
	return t.ledger.Check(ctx, assetID)
}

// GetMaturitySchedule lists active encumbrances maturing in [from, to],
// earliest first.
func (t *Tracker) GetMaturitySchedule(ctx context.Context, from, to time.Time) ([]domain.Encumbrance, error) {
	return t.ledger.Schedule(ctx, from, to)
}

// SweepMatured releases every active encumbrance that has matured. A
// failure on one encumbrance does not stop the sweep; the errors are joined.
func (t *Tracker) SweepMatured(ctx context.Context) ([]domain.ReleaseRecord, error) {
	start := time.Now()
	if t.metrics != nil {
		defer t.metrics.ObserveSweep(start)
	}
	matured, err := t.ledger.Matured(ctx, t.now())
	if err != nil {
		return nil, err
	}
	var (
		released []domain.ReleaseRecord
		errs     []error
	)
	for _, enc := range matured {
		rec, err := t.release(ctx, enc.EncumbranceID, MaturityActor, "maturity")
		if err != nil {
			if ctx.Err() != nil {
				return released, dErrors.Cancelled(ctx.Err())
			}
			errs = append(errs, fmt.Errorf("release %s: %w", enc.EncumbranceID, err))
			continue
		}
		if !rec.AlreadyReleased {
			released = append(released, rec)
		}
	}
	return released, errors.Join(errs...)
}

// StartMaturityMonitoring sweeps immediately and then on every interval
// until ctx is done. It keeps no state between sweeps, so it can be stopped
// and restarted at any time.
func (t *Tracker) StartMaturityMonitoring(ctx context.Context) error {
	t.logger.InfoContext(ctx, "maturity monitor started", "interval", t.interval)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		t.sweep(ctx)
		select {
		case <-ctx.Done():
			t.logger.InfoContext(ctx, "maturity monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Tracker) sweep(ctx context.Context) {
	released, err := t.SweepMatured(ctx)
	if err != nil && ctx.Err() == nil {
		t.logger.ErrorContext(ctx, "maturity sweep failed", "error", err, "released", len(released))
		return
	}
	if len(released) > 0 {
		t.logger.InfoContext(ctx, "matured encumbrances released", "count", len(released))
	}
}

func (t *Tracker) reject(reason string) {
	if t.metrics != nil {
		t.metrics.IncrementRejected(reason)
	}
}
