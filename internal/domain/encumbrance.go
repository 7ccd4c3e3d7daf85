package domain

import (
	"time"

	"github.com/shopspring/decimal"

	id "collateraloracle/pkg/domain"
)

// EncumbranceKind distinguishes pledges, liens and locks.
type EncumbranceKind string

const (
	EncumbrancePledge EncumbranceKind = "pledge"
	EncumbranceLien   EncumbranceKind = "lien"
	EncumbranceLock   EncumbranceKind = "lock"
)

func (k EncumbranceKind) IsValid() bool {
	switch k {
	case EncumbrancePledge, EncumbranceLien, EncumbranceLock:
		return true
	}
	return false
}

// EncumbranceStatus moves from active to released exactly once.
type EncumbranceStatus string

const (
	EncumbranceActive   EncumbranceStatus = "active"
	EncumbranceReleased EncumbranceStatus = "released"
)

// Encumbrance reduces an asset's available value while active.
type Encumbrance struct {
	EncumbranceID id.EncumbranceID  `json:"encumbrance_id"`
	AssetID       id.AssetID        `json:"asset_id"`
	Owner         string            `json:"owner"`
	Holder        string            `json:"holder"`
	Kind          EncumbranceKind   `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	Priority      int               `json:"priority"`
	CreatedAt     time.Time         `json:"created_at"`
	MaturesAt     *time.Time        `json:"matures_at,omitempty"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
	ReleasedBy    string            `json:"released_by,omitempty"`
	Status        EncumbranceStatus `json:"status"`
}

// IsActive reports whether the encumbrance still reduces available value.
func (e Encumbrance) IsActive() bool {
	return e.Status == EncumbranceActive
}

// MaturedBy reports whether an active encumbrance has matured at now.
func (e Encumbrance) MaturedBy(now time.Time) bool {
	return e.IsActive() && e.MaturesAt != nil && !e.MaturesAt.After(now)
}

// EncumbranceCheck is the answer to "is this asset encumbered right now".
type EncumbranceCheck struct {
	AssetID         id.AssetID      `json:"asset_id"`
	IsEncumbered    bool            `json:"is_encumbered"`
	EncumberedValue decimal.Decimal `json:"encumbered_value"`
	Active          []Encumbrance   `json:"active"`
}

// ReleaseRecord describes the (single) release of an encumbrance.
type ReleaseRecord struct {
	EncumbranceID   id.EncumbranceID `json:"encumbrance_id"`
	AssetID         id.AssetID       `json:"asset_id"`
	EventID         id.EventID       `json:"event_id"`
	ReleasedAt      time.Time        `json:"released_at"`
	ReleasedBy      string           `json:"released_by"`
	AlreadyReleased bool             `json:"already_released"`
}
