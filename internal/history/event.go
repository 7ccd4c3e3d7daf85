// Package history is the append-only ownership event log. Every event is
// content addressed and links to its predecessor for the same asset, so the
// per-asset log forms a hash chain that can be verified end to end.
package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"collateraloracle/internal/domain"
	id "collateraloracle/pkg/domain"
)

// Kind is the type of an ownership event.
type Kind string

const (
	KindTransfer   Kind = "transfer"
	KindPledge     Kind = "pledge"
	KindRelease    Kind = "release"
	KindLien       Kind = "lien"
	KindDispute    Kind = "dispute"
	KindResolution Kind = "resolution"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindTransfer, KindPledge, KindRelease, KindLien, KindDispute, KindResolution:
		return true
	}
	return false
}

// EncumbranceTerms accompanies pledge, lien and release events. Creating
// events leave EncumbranceID empty (the event ID becomes the encumbrance
// ID); release events name the encumbrance they release.
type EncumbranceTerms struct {
	EncumbranceID id.EncumbranceID       `json:"encumbrance_id,omitempty"`
	Kind          domain.EncumbranceKind `json:"kind,omitempty"`
	Holder        string                 `json:"holder,omitempty"`
	Amount        decimal.Decimal        `json:"amount"`
	Priority      int                    `json:"priority,omitempty"`
	MaturesAt     *time.Time             `json:"matures_at,omitempty"`
}

// DisputeNote accompanies dispute and resolution events.
type DisputeNote struct {
	DisputeID      id.DisputeID `json:"dispute_id"`
	Reason         string       `json:"reason,omitempty"`
	Claimants      []string     `json:"claimants,omitempty"`
	Winner         string       `json:"winner,omitempty"`
	ClaimTimestamp *time.Time   `json:"claim_timestamp,omitempty"`
	ReviewedBy     string       `json:"reviewed_by,omitempty"`
}

// OwnershipEvent is one immutable entry in an asset's log.
//
// For transfers Actor is the new owner and Counterparty the previous one.
// Value, Chain and AssetType describe the asset; a transfer without Value
// keeps the previously recorded value.
//
// Timestamp is the log time and never decreases along an asset's chain.
// OccurredAt is the block time reported for chain transfers; it can be
// earlier than Timestamp when a report arrives after later local events.
type OwnershipEvent struct {
	EventID          id.EventID        `json:"event_id"`
	AssetID          id.AssetID        `json:"asset_id"`
	Kind             Kind              `json:"kind"`
	Actor            string            `json:"actor"`
	Counterparty     string            `json:"counterparty,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	OccurredAt       *time.Time        `json:"occurred_at,omitempty"`
	ChainProof       []byte            `json:"chain_proof,omitempty"`
	PrecedingEventID id.EventID        `json:"preceding_event_id,omitempty"`
	Source           string            `json:"source,omitempty"`
	Chain            id.ChainID        `json:"chain,omitempty"`
	AssetType        string            `json:"asset_type,omitempty"`
	Value            *decimal.Decimal  `json:"value,omitempty"`
	TxRef            string            `json:"tx_ref,omitempty"`
	Encumbrance      *EncumbranceTerms `json:"encumbrance,omitempty"`
	Dispute          *DisputeNote      `json:"dispute,omitempty"`
}

// hashEnvelope fixes the field order the event ID is computed over.
type hashEnvelope struct {
	AssetID          id.AssetID        `json:"asset_id"`
	Kind             Kind              `json:"kind"`
	Actor            string            `json:"actor"`
	Counterparty     string            `json:"counterparty"`
	Timestamp        time.Time         `json:"timestamp"`
	OccurredAt       *time.Time        `json:"occurred_at,omitempty"`
	ChainProof       []byte            `json:"chain_proof"`
	PrecedingEventID id.EventID        `json:"preceding_event_id"`
	Source           string            `json:"source"`
	Chain            id.ChainID        `json:"chain"`
	AssetType        string            `json:"asset_type"`
	Value            *decimal.Decimal  `json:"value"`
	TxRef            string            `json:"tx_ref"`
	Encumbrance      *EncumbranceTerms `json:"encumbrance"`
	Dispute          *DisputeNote      `json:"dispute"`
}

// ComputeID returns the lowercase hex SHA-256 of the event's canonical
// encoding. EventID itself is not part of the input.
func ComputeID(evt OwnershipEvent) (id.EventID, error) {
	payload, err := json.Marshal(hashEnvelope{
		AssetID:          evt.AssetID,
		Kind:             evt.Kind,
		Actor:            evt.Actor,
		Counterparty:     evt.Counterparty,
		Timestamp:        evt.Timestamp.UTC(),
		OccurredAt:       utcPtr(evt.OccurredAt),
		ChainProof:       evt.ChainProof,
		PrecedingEventID: evt.PrecedingEventID,
		Source:           evt.Source,
		Chain:            evt.Chain,
		AssetType:        evt.AssetType,
		Value:            evt.Value,
		TxRef:            evt.TxRef,
		Encumbrance:      evt.Encumbrance,
		Dispute:          evt.Dispute,
	})
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	sum := sha256.Sum256(payload)
	return id.EventID(hex.EncodeToString(sum[:])), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ChainTime is when the event happened on chain, falling back to the log
// time for events that carry no block time.
func (e OwnershipEvent) ChainTime() time.Time {
	if e.OccurredAt != nil {
		return *e.OccurredAt
	}
	return e.Timestamp
}

// Clone returns a deep copy so callers can never reach a stored proof.
func (e OwnershipEvent) Clone() OwnershipEvent {
	c := e
	c.ChainProof = slices.Clone(e.ChainProof)
	if e.OccurredAt != nil {
		at := *e.OccurredAt
		c.OccurredAt = &at
	}
	if e.Value != nil {
		v := *e.Value
		c.Value = &v
	}
	if e.Encumbrance != nil {
		t := *e.Encumbrance
		if t.MaturesAt != nil {
			m := *t.MaturesAt
			t.MaturesAt = &m
		}
		c.Encumbrance = &t
	}
	if e.Dispute != nil {
		n := *e.Dispute
		n.Claimants = slices.Clone(e.Dispute.Claimants)
		if n.ClaimTimestamp != nil {
			ts := *n.ClaimTimestamp
			n.ClaimTimestamp = &ts
		}
		c.Dispute = &n
	}
	return c
}

// normalize puts the event in the form that is hashed and stored.
// Timestamps are kept at microsecond precision so every backend round-trips
// them exactly.
func normalize(evt OwnershipEvent) OwnershipEvent {
	evt = evt.Clone()
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Microsecond)
	if evt.OccurredAt != nil {
		at := evt.OccurredAt.UTC().Truncate(time.Microsecond)
		evt.OccurredAt = &at
	}
	if evt.Encumbrance != nil && evt.Encumbrance.MaturesAt != nil {
		m := evt.Encumbrance.MaturesAt.UTC().Truncate(time.Microsecond)
		evt.Encumbrance.MaturesAt = &m
	}
	if evt.Dispute != nil && evt.Dispute.ClaimTimestamp != nil {
		ts := evt.Dispute.ClaimTimestamp.UTC().Truncate(time.Microsecond)
		evt.Dispute.ClaimTimestamp = &ts
	}
	return evt
}

// Validate checks the shape of an event before it is appended.
func Validate(evt OwnershipEvent) error {
	switch {
	case evt.AssetID.IsZero():
		return fmt.Errorf("asset ID is required")
	case !evt.Kind.IsValid():
		return fmt.Errorf("unknown event kind %q", evt.Kind)
	case strings.TrimSpace(evt.Actor) == "":
		return fmt.Errorf("actor is required")
	case evt.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	switch evt.Kind {
	case KindPledge, KindLien:
		if evt.Encumbrance == nil {
			return fmt.Errorf("%s event requires encumbrance terms", evt.Kind)
		}
		if !evt.Encumbrance.Amount.IsPositive() {
			return fmt.Errorf("encumbrance amount must be positive")
		}
	case KindRelease:
		if evt.Encumbrance == nil || evt.Encumbrance.EncumbranceID.IsZero() {
			return fmt.Errorf("release event must name an encumbrance")
		}
	case KindDispute, KindResolution:
		if evt.Dispute == nil || evt.Dispute.DisputeID.IsNil() {
			return fmt.Errorf("%s event requires a dispute note", evt.Kind)
		}
	case KindTransfer:
		if evt.Value != nil && evt.Value.IsNegative() {
			return fmt.Errorf("asset value must not be negative")
		}
	}
	return nil
}

// ChainError describes the first broken link found by VerifyChain.
type ChainError struct {
	Index   int
	EventID id.EventID
	Reason  string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken at index %d (event %s): %s", e.Index, e.EventID, e.Reason)
}

// VerifyChain recomputes every event ID and checks that each event links to
// the one before it. events must be one asset's log in chain order starting
// from the genesis event.
func VerifyChain(events []OwnershipEvent) error {
	var prev id.EventID
	for i, evt := range events {
		if evt.PrecedingEventID != prev {
			return &ChainError{Index: i, EventID: evt.EventID, Reason: "preceding event mismatch"}
		}
		computed, err := ComputeID(evt)
		if err != nil {
			return &ChainError{Index: i, EventID: evt.EventID, Reason: err.Error()}
		}
		if computed != evt.EventID {
			return &ChainError{Index: i, EventID: evt.EventID, Reason: "content hash mismatch"}
		}
		if i > 0 && evt.AssetID != events[0].AssetID {
			return &ChainError{Index: i, EventID: evt.EventID, Reason: "event belongs to another asset"}
		}
		prev = evt.EventID
	}
	return nil
}
