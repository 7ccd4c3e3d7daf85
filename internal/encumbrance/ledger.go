package encumbrance

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"collateraloracle/internal/domain"
	"collateraloracle/internal/history"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
	"collateraloracle/pkg/platform/sentinel"
)

// Ledger derives encumbrance state by folding the event log. It holds no
// state of its own.
type Ledger struct {
	store history.Store
}

func NewLedger(store history.Store) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("history store is required")
	}
	return &Ledger{store: store}, nil
}

// load replays the asset's log up to asOf.
func (l *Ledger) load(ctx context.Context, assetID id.AssetID, asOf id.AsOf) ([]history.OwnershipEvent, history.AssetState, error) {
	events, err := l.store.EventsFor(ctx, assetID, asOf)
	if err != nil {
		return nil, history.AssetState{}, history.CodedError(err, "failed to read asset history")
	}
	return events, history.Replay(events), nil
}

// State returns the folded state of an asset. An asset with no events is
// reported as CodeNotFound.
func (l *Ledger) State(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (history.AssetState, error) {
	_, st, err := l.load(ctx, assetID, asOf)
	if err != nil {
		return history.AssetState{}, err
	}
	if !st.Known() {
		return history.AssetState{}, dErrors.New(dErrors.CodeNotFound, "asset not found").
			WithDetail("asset_id", assetID.String())
	}
	return st, nil
}

// Check lists the asset's active encumbrances.
func (l *Ledger) Check(ctx context.Context, assetID id.AssetID) (domain.EncumbranceCheck, error) {
	st, err := l.State(ctx, assetID, id.Live())
	if err != nil {
		return domain.EncumbranceCheck{}, err
	}
	active := st.Active()
	return domain.EncumbranceCheck{
		AssetID:         assetID,
		IsEncumbered:    len(active) > 0,
		EncumberedValue: st.EncumberedValue(),
		Active:          active,
	}, nil
}

// Find returns an encumbrance in whatever state it is in now.
func (l *Ledger) Find(ctx context.Context, encID id.EncumbranceID) (domain.Encumbrance, error) {
	created, err := l.creatingEvent(ctx, encID)
	if err != nil {
		return domain.Encumbrance{}, err
	}
	st, err := l.State(ctx, created.AssetID, id.Live())
	if err != nil {
		return domain.Encumbrance{}, err
	}
	enc, ok := st.Encumbrance(encID)
	if !ok {
		return domain.Encumbrance{}, notFound(encID)
	}
	return enc, nil
}

func (l *Ledger) creatingEvent(ctx context.Context, encID id.EncumbranceID) (history.OwnershipEvent, error) {
	if encID.IsZero() {
		return history.OwnershipEvent{}, dErrors.New(dErrors.CodeBadRequest, "encumbrance ID is required")
	}
	evt, err := l.store.Get(ctx, id.EventID(encID))
	if errors.Is(err, sentinel.ErrNotFound) {
		return history.OwnershipEvent{}, notFound(encID)
	}
	if err != nil {
		return history.OwnershipEvent{}, history.CodedError(err, "failed to read encumbrance")
	}
	if evt.Kind != history.KindPledge && evt.Kind != history.KindLien {
		return history.OwnershipEvent{}, notFound(encID)
	}
	return evt, nil
}

// Active lists every active encumbrance across all assets.
func (l *Ledger) Active(ctx context.Context) ([]domain.Encumbrance, error) {
	assets, err := l.store.AssetsWithKind(ctx, history.KindPledge, history.KindLien)
	if err != nil {
		return nil, history.CodedError(err, "failed to list encumbered assets")
	}
	var out []domain.Encumbrance
	for _, assetID := range assets {
		if err := ctx.Err(); err != nil {
			return nil, dErrors.Cancelled(err)
		}
		_, st, err := l.load(ctx, assetID, id.Live())
		if err != nil {
			return nil, err
		}
		out = append(out, st.Active()...)
	}
	return out, nil
}

// Schedule lists active encumbrances maturing within [from, to], earliest
// first.
func (l *Ledger) Schedule(ctx context.Context, from, to time.Time) ([]domain.Encumbrance, error) {
	if to.Before(from) {
		return nil, dErrors.New(dErrors.CodeBadRequest, "maturity window ends before it starts")
	}
	active, err := l.Active(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Encumbrance
	for _, e := range active {
		if e.MaturesAt == nil || e.MaturesAt.Before(from) || e.MaturesAt.After(to) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, byMaturity)
	return out, nil
}

// Matured lists active encumbrances whose maturity is at or before now.
func (l *Ledger) Matured(ctx context.Context, now time.Time) ([]domain.Encumbrance, error) {
	active, err := l.Active(ctx)
	if err != nil {
		return nil, err
	}
	var out []domain.Encumbrance
	for _, e := range active {
		if e.MaturedBy(now) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, byMaturity)
	return out, nil
}

func byMaturity(a, b domain.Encumbrance) int {
	if c := a.MaturesAt.Compare(*b.MaturesAt); c != 0 {
		return c
	}
	return cmp.Compare(a.EncumbranceID, b.EncumbranceID)
}

func notFound(encID id.EncumbranceID) error {
	return dErrors.New(dErrors.CodeNotFound, "encumbrance not found").
		WithDetail("encumbrance_id", encID.String())
}
