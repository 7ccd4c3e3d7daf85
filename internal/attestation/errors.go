package attestation

import (
	"context"
	"errors"
	"fmt"

	id "collateraloracle/pkg/domain"
)

// ErrorCategory defines the normalized failure taxonomy
type ErrorCategory string

const (
	// ErrorTimeout indicates the source took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorBadData indicates the source returned invalid/malformed data
	ErrorBadData ErrorCategory = "bad_data"

	// ErrorInvalidSignature indicates the attestation failed verification
	ErrorInvalidSignature ErrorCategory = "invalid_signature"

	// ErrorAssetMismatch indicates the source answered about another asset
	ErrorAssetMismatch ErrorCategory = "asset_mismatch"

	// ErrorSourceOutage indicates the source is unavailable
	ErrorSourceOutage ErrorCategory = "source_outage"

	// ErrorNotFound indicates the source has no record of the asset
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorRateLimited indicates too many requests
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorCircuitOpen indicates the source was skipped by its breaker
	ErrorCircuitOpen ErrorCategory = "circuit_open"

	// ErrorCancelled indicates the caller gave up
	ErrorCancelled ErrorCategory = "cancelled"

	// ErrorInternal indicates an unexpected internal error
	ErrorInternal ErrorCategory = "internal"
)

// SourceError wraps source failures with normalized categorization
type SourceError struct {
	Category   ErrorCategory
	SourceID   id.SourceID
	Message    string
	Underlying error
	Retryable  bool
}

func (e *SourceError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("source %s [%s]: %s: %v", e.SourceID, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("source %s [%s]: %s", e.SourceID, e.Category, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Underlying
}

func NewSourceError(category ErrorCategory, sourceID id.SourceID, message string, underlying error) *SourceError {
	retryable := category == ErrorTimeout ||
		category == ErrorSourceOutage ||
		category == ErrorRateLimited

	return &SourceError{
		Category:   category,
		SourceID:   sourceID,
		Message:    message,
		Underlying: underlying,
		Retryable:  retryable,
	}
}

// IsRetryable checks if an error is worth retrying
func IsRetryable(err error) bool {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// CategoryOf extracts the error category from an error. Context errors that
// were not wrapped by the source are classified as well.
func CategoryOf(err error) ErrorCategory {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Category
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCancelled
	}
	return ErrorInternal
}

// Classify wraps err in a SourceError unless it already is one.
func Classify(sourceID id.SourceID, err error) *SourceError {
	if err == nil {
		return nil
	}
	var se *SourceError
	if errors.As(err, &se) {
		return se
	}
	return NewSourceError(CategoryOf(err), sourceID, "attestation failed", err)
}

// CountsAgainstSource reports whether a failure should trip the source's
// circuit breaker. A "not found" answer or a caller cancellation is not the
// source's fault.
func CountsAgainstSource(err error) bool {
	switch CategoryOf(err) {
	case ErrorNotFound, ErrorCancelled, ErrorCircuitOpen:
		return false
	}
	return true
}
