package domain

import (
	"time"

	id "collateraloracle/pkg/domain"
)

// EvidenceEntry is one replayed event with its untouched chain proof.
type EvidenceEntry struct {
	EventID          id.EventID `json:"event_id"`
	PrecedingEventID id.EventID `json:"preceding_event_id"`
	Kind             string     `json:"kind"`
	Actor            string     `json:"actor"`
	Counterparty     string     `json:"counterparty,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	OccurredAt       *time.Time `json:"occurred_at,omitempty"`
	Source           string     `json:"source,omitempty"`
	TxRef            string     `json:"tx_ref,omitempty"`
	ChainProof       []byte     `json:"chain_proof"`
}

// SourceSignature is a source's signed attestation captured for evidence.
type SourceSignature struct {
	SourceID  id.SourceID `json:"source_id"`
	Chain     id.ChainID  `json:"chain"`
	Owner     string      `json:"owner"`
	Signature string      `json:"signature"`
}

// OwnershipEvidence is a read-only bundle supporting an ownership
// determination. Each generation gets its own ID and timestamp.
type OwnershipEvidence struct {
	EvidenceID          id.EvidenceID     `json:"evidence_id"`
	AssetID             id.AssetID        `json:"asset_id"`
	At                  time.Time         `json:"at"`
	Owner               string            `json:"owner"`
	Entries             []EvidenceEntry   `json:"entries"`
	ChainHead           id.EventID        `json:"chain_head"`
	ChainIntact         bool              `json:"chain_intact"`
	ConsensusPercentage float64           `json:"consensus_percentage"`
	ConsensusNote       string            `json:"consensus_note,omitempty"`
	SourceSignatures    []SourceSignature `json:"source_signatures"`
	GeneratedAt         time.Time         `json:"generated_at"`
	Digest              string            `json:"digest"`
	Seal                string            `json:"seal,omitempty"`
	SealKeyID           string            `json:"seal_key_id,omitempty"`
}

// CourtEvidence is ownership evidence with the disputing parties attached.
type CourtEvidence struct {
	OwnershipEvidence
	DisputeID *id.DisputeID  `json:"dispute_id,omitempty"`
	Claims    []DisputeClaim `json:"claims"`
}
