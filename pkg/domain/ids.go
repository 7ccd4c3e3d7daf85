package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "collateraloracle/pkg/domain-errors"
)

const maxIdentifierLength = 256

// String identifiers issued by chains and ledgers. They are opaque to the
// oracle and compared verbatim, except owners which are normalized.
type (
	AssetID       string
	OwnerID       string
	ChainID       string
	SourceID      string
	EventID       string
	EncumbranceID string
)

// UUID identifiers minted by the oracle itself.
type (
	DisputeID  uuid.UUID
	EvidenceID uuid.UUID
	ClaimID    uuid.UUID
)

func (id AssetID) String() string       { return string(id) }
func (id AssetID) IsZero() bool         { return id == "" }
func (id OwnerID) String() string       { return string(id) }
func (id OwnerID) IsZero() bool         { return id == "" }
func (id ChainID) String() string       { return string(id) }
func (id ChainID) IsZero() bool         { return id == "" }
func (id SourceID) String() string      { return string(id) }
func (id SourceID) IsZero() bool        { return id == "" }
func (id EventID) String() string       { return string(id) }
func (id EventID) IsZero() bool         { return id == "" }
func (id EncumbranceID) String() string { return string(id) }
func (id EncumbranceID) IsZero() bool   { return id == "" }

func (id DisputeID) String() string  { return uuid.UUID(id).String() }
func (id DisputeID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id EvidenceID) String() string { return uuid.UUID(id).String() }
func (id ClaimID) String() string    { return uuid.UUID(id).String() }
func (id ClaimID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }

func NewDisputeID() DisputeID   { return DisputeID(uuid.New()) }
func NewEvidenceID() EvidenceID { return EvidenceID(uuid.New()) }
func NewClaimID() ClaimID       { return ClaimID(uuid.New()) }

// MarshalText keeps UUID identifiers readable in JSON payloads.
func (id DisputeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *DisputeID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = DisputeID(parsed)
	return nil
}

func (id EvidenceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *EvidenceID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = EvidenceID(parsed)
	return nil
}

func (id ClaimID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ClaimID) UnmarshalText(b []byte) error {
	parsed, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = ClaimID(parsed)
	return nil
}

// ParseAssetID validates an asset identifier at a trust boundary.
func ParseAssetID(s string) (AssetID, error) {
	v, err := parseOpaque("asset id", s)
	return AssetID(v), err
}

// ParseOwnerID validates an owner identifier at a trust boundary.
func ParseOwnerID(s string) (OwnerID, error) {
	v, err := parseOpaque("owner id", s)
	return OwnerID(v), err
}

// ParseEncumbranceID validates an encumbrance identifier.
func ParseEncumbranceID(s string) (EncumbranceID, error) {
	v, err := parseOpaque("encumbrance id", s)
	return EncumbranceID(v), err
}

// ParseDisputeID parses a dispute UUID and rejects the nil UUID.
func ParseDisputeID(s string) (DisputeID, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || parsed == uuid.Nil {
		return DisputeID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid dispute id")
	}
	return DisputeID(parsed), nil
}

func parseOpaque(kind, s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" is too long")
	}
	if strings.ContainsAny(trimmed, "\x00\n\r") {
		return "", dErrors.New(dErrors.CodeInvalidInput, kind+" contains control characters")
	}
	return trimmed, nil
}

// NormalizeOwner is the canonical comparison form of an owner identifier.
// Chain addresses differ only in case between checksummed and plain forms.
func NormalizeOwner(owner string) string {
	return strings.ToLower(strings.TrimSpace(owner))
}

// SameOwner compares two owner identifiers in normalized form.
func SameOwner(a, b string) bool {
	return NormalizeOwner(a) == NormalizeOwner(b)
}
