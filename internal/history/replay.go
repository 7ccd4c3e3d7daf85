package history

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"collateraloracle/internal/domain"
	id "collateraloracle/pkg/domain"
)

// AssetState is the fold of an asset's events. It is rebuilt on every
// query and never stored.
type AssetState struct {
	AssetID      id.AssetID
	Owner        string
	Value        decimal.Decimal
	Chain        id.ChainID
	AssetType    string
	Head         id.EventID
	LastEventAt  time.Time
	EventCount   int
	Sources      []string
	Encumbrances []domain.Encumbrance
	OpenDisputes []DisputeNote
	Resolutions  []DisputeNote
}

// Replay folds events in the order given. Releases naming an unknown or
// already released encumbrance are ignored, so the first release wins.
func Replay(events []OwnershipEvent) AssetState {
	var st AssetState
	sources := make(map[string]struct{})
	index := make(map[id.EncumbranceID]int)

	for _, evt := range events {
		if st.EventCount == 0 {
			st.AssetID = evt.AssetID
		}
		st.EventCount++
		st.Head = evt.EventID
		st.LastEventAt = evt.Timestamp
		if evt.Source != "" {
			sources[evt.Source] = struct{}{}
		}

		switch evt.Kind {
		case KindTransfer:
			st.Owner = evt.Actor
			if evt.Value != nil {
				st.Value = *evt.Value
			}
			if !evt.Chain.IsZero() {
				st.Chain = evt.Chain
			}
			if evt.AssetType != "" {
				st.AssetType = evt.AssetType
			}

		case KindPledge, KindLien:
			terms := evt.Encumbrance
			kind := terms.Kind
			if kind == "" {
				kind = domain.EncumbranceKind(evt.Kind)
			}
			enc := domain.Encumbrance{
				EncumbranceID: id.EncumbranceID(evt.EventID),
				AssetID:       evt.AssetID,
				Owner:         evt.Actor,
				Holder:        terms.Holder,
				Kind:          kind,
				Amount:        terms.Amount,
				Priority:      terms.Priority,
				CreatedAt:     evt.Timestamp,
				Status:        domain.EncumbranceActive,
			}
			if terms.MaturesAt != nil {
				m := *terms.MaturesAt
				enc.MaturesAt = &m
			}
			index[enc.EncumbranceID] = len(st.Encumbrances)
			st.Encumbrances = append(st.Encumbrances, enc)

		case KindRelease:
			i, ok := index[evt.Encumbrance.EncumbranceID]
			if !ok || !st.Encumbrances[i].IsActive() {
				continue
			}
			released := evt.Timestamp
			st.Encumbrances[i].Status = domain.EncumbranceReleased
			st.Encumbrances[i].ReleasedAt = &released
			st.Encumbrances[i].ReleasedBy = evt.Actor

		case KindDispute:
			if !slices.ContainsFunc(st.OpenDisputes, sameDispute(evt.Dispute.DisputeID)) {
				st.OpenDisputes = append(st.OpenDisputes, *evt.Dispute)
			}

		case KindResolution:
			st.OpenDisputes = slices.DeleteFunc(st.OpenDisputes, sameDispute(evt.Dispute.DisputeID))
			st.Resolutions = append(st.Resolutions, *evt.Dispute)
		}
	}

	for s := range sources {
		st.Sources = append(st.Sources, s)
	}
	slices.Sort(st.Sources)
	return st
}

func sameDispute(disputeID id.DisputeID) func(DisputeNote) bool {
	return func(n DisputeNote) bool { return n.DisputeID == disputeID }
}

// Known reports whether any event was replayed.
func (s AssetState) Known() bool {
	return s.EventCount > 0
}

// Active returns the active encumbrances ordered by priority then creation.
func (s AssetState) Active() []domain.Encumbrance {
	var out []domain.Encumbrance
	for _, e := range s.Encumbrances {
		if e.IsActive() {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Encumbrance) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Encumbrance looks up an encumbrance by ID in any state.
func (s AssetState) Encumbrance(encID id.EncumbranceID) (domain.Encumbrance, bool) {
	for _, e := range s.Encumbrances {
		if e.EncumbranceID == encID {
			return e, true
		}
	}
	return domain.Encumbrance{}, false
}

// EncumberedValue is the sum of active encumbrance amounts.
func (s AssetState) EncumberedValue() decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.Encumbrances {
		if e.IsActive() {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// AvailableValue is the value not yet encumbered, floored at zero.
func (s AssetState) AvailableValue() decimal.Decimal {
	avail := s.Value.Sub(s.EncumberedValue())
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// IsEncumbered reports whether any encumbrance is active.
func (s AssetState) IsEncumbered() bool {
	for _, e := range s.Encumbrances {
		if e.IsActive() {
			return true
		}
	}
	return false
}

// FullyEncumbered reports whether nothing is left to pledge.
func (s AssetState) FullyEncumbered() bool {
	return s.IsEncumbered() && !s.AvailableValue().IsPositive()
}

// Line projects the state into a portfolio line for owner.
func (s AssetState) Line(owner id.OwnerID) domain.AssetOwnership {
	return domain.AssetOwnership{
		AssetID:         s.AssetID,
		OwnerID:         owner,
		Value:           s.Value,
		EncumberedValue: s.EncumberedValue(),
		AvailableValue:  s.AvailableValue(),
		IsEncumbered:    s.IsEncumbered(),
		Chain:           s.Chain,
		AssetType:       s.AssetType,
	}
}
