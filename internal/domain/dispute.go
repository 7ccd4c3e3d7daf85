package domain

import (
	"time"

	id "collateraloracle/pkg/domain"
)

// ClaimAttestation is a signed source statement a claimant attaches as proof.
type ClaimAttestation struct {
	SourceID    id.SourceID `json:"source_id"`
	Chain       id.ChainID  `json:"chain"`
	Owner       string      `json:"owner"`
	BlockHeight uint64      `json:"block_height,omitempty"`
	ObservedAt  time.Time   `json:"observed_at"`
	ChainProof  []byte      `json:"chain_proof"`
	Signature   string      `json:"signature"`
}

// DisputeClaim asserts that Claimant owned the asset at ClaimTimestamp.
type DisputeClaim struct {
	ClaimID        id.ClaimID        `json:"claim_id"`
	AssetID        id.AssetID        `json:"asset_id"`
	Claimant       string            `json:"claimant"`
	ClaimTimestamp time.Time         `json:"claim_timestamp"`
	EvidenceRef    string            `json:"evidence_ref,omitempty"`
	Proof          *ClaimAttestation `json:"proof,omitempty"`
}

// ClaimAssessment is the outcome of verifying one claim.
type ClaimAssessment struct {
	Claim          DisputeClaim  `json:"claim"`
	ConsensusOwner string        `json:"consensus_owner"`
	ConsensusLevel float64       `json:"consensus_level"`
	Authoritative  bool          `json:"authoritative"`
	Matches        bool          `json:"matches"`
	HistoryOwner   string        `json:"history_owner,omitempty"`
	ProofChecked   bool          `json:"proof_checked"`
	ProofValid     bool          `json:"proof_valid"`
	Valid          bool          `json:"valid"`
	Reason         string        `json:"reason,omitempty"`
	Sources        []id.SourceID `json:"sources"`
}

// DisputeResolution records the winning claim.
type DisputeResolution struct {
	DisputeID   id.DisputeID      `json:"dispute_id"`
	AssetID     id.AssetID        `json:"asset_id"`
	Winner      DisputeClaim      `json:"winner"`
	Assessments []ClaimAssessment `json:"assessments"`
	Evidence    *CourtEvidence    `json:"evidence,omitempty"`
	EventID     id.EventID        `json:"event_id"`
	ReviewedBy  string            `json:"reviewed_by,omitempty"`
	ResolvedAt  time.Time         `json:"resolved_at"`
}

// DisputeFlag is an unresolved conflict awaiting human review.
type DisputeFlag struct {
	DisputeID   id.DisputeID      `json:"dispute_id"`
	AssetID     id.AssetID        `json:"asset_id"`
	Reason      string            `json:"reason"`
	Claimants   []string          `json:"claimants"`
	Assessments []ClaimAssessment `json:"assessments,omitempty"`
	EventID     id.EventID        `json:"event_id"`
	FlaggedAt   time.Time         `json:"flagged_at"`
}

// DisputeOutcome holds exactly one of Resolution or Flag.
type DisputeOutcome struct {
	Resolution *DisputeResolution `json:"resolution,omitempty"`
	Flag       *DisputeFlag       `json:"flag,omitempty"`
}

// Flagged reports whether the dispute was escalated instead of resolved.
func (o DisputeOutcome) Flagged() bool {
	return o.Flag != nil
}
