// Package domain holds the read models the oracle services exchange. Values
// are derived from the event log or from consensus; none of them is stored
// or mutated after construction.
package domain

import (
	"time"

	"github.com/shopspring/decimal"

	id "collateraloracle/pkg/domain"
)

// OwnershipRecord is an immutable ownership snapshot.
type OwnershipRecord struct {
	AssetID             id.AssetID    `json:"asset_id"`
	Owner               string        `json:"owner"`
	AsOf                time.Time     `json:"as_of"`
	ConsensusLevel      float64       `json:"consensus_level"`
	ContributingSources []id.SourceID `json:"contributing_sources"`
	IsEncumbered        bool          `json:"is_encumbered"`
	// HeadEventID is the last replayed event for time-travel records and
	// empty for live consensus records.
	HeadEventID id.EventID `json:"head_event_id,omitempty"`
}

// AssetOwnership is one portfolio line.
type AssetOwnership struct {
	AssetID         id.AssetID      `json:"asset_id"`
	OwnerID         id.OwnerID      `json:"owner_id"`
	Value           decimal.Decimal `json:"value"`
	EncumberedValue decimal.Decimal `json:"encumbered_value"`
	AvailableValue  decimal.Decimal `json:"available_value"`
	IsEncumbered    bool            `json:"is_encumbered"`
	Chain           id.ChainID      `json:"chain"`
	AssetType       string          `json:"asset_type,omitempty"`
}

// PortfolioFilter is applied after the portfolio has been computed.
type PortfolioFilter struct {
	MinValue   decimal.Decimal
	AssetTypes []string
}

// Matches reports whether a line passes the filter. amount is the value the
// threshold applies to (full value for portfolios, available value for
// available-asset listings).
func (f PortfolioFilter) Matches(line AssetOwnership, amount decimal.Decimal) bool {
	if amount.LessThan(f.MinValue) {
		return false
	}
	if len(f.AssetTypes) == 0 {
		return true
	}
	for _, t := range f.AssetTypes {
		if t == line.AssetType {
			return true
		}
	}
	return false
}

// PortfolioSnapshot is an owner's holdings reconstructed at a point in time.
type PortfolioSnapshot struct {
	OwnerID    id.OwnerID       `json:"owner_id"`
	At         time.Time        `json:"at"`
	Assets     []AssetOwnership `json:"assets"`
	TotalValue decimal.Decimal  `json:"total_value"`
}

// AvailabilityRecord answers whether an asset could have been pledged at a time.
type AvailabilityRecord struct {
	AssetID            id.AssetID         `json:"asset_id"`
	At                 time.Time          `json:"at"`
	Owner              string             `json:"owner"`
	Value              decimal.Decimal    `json:"value"`
	EncumberedValue    decimal.Decimal    `json:"encumbered_value"`
	AvailableValue     decimal.Decimal    `json:"available_value"`
	IsAvailable        bool               `json:"is_available"`
	ActiveEncumbrances []id.EncumbranceID `json:"active_encumbrances"`
}

// ClaimVerification reports whether live consensus at a time agrees with a
// claimed owner. It never resolves anything.
type ClaimVerification struct {
	AssetID        id.AssetID    `json:"asset_id"`
	ClaimedOwner   string        `json:"claimed_owner"`
	At             time.Time     `json:"at"`
	ConsensusOwner string        `json:"consensus_owner"`
	Confidence     float64       `json:"confidence"`
	Matches        bool          `json:"matches"`
	Authoritative  bool          `json:"authoritative"`
	Sources        []id.SourceID `json:"sources"`
	CheckedAt      time.Time     `json:"checked_at"`
}
