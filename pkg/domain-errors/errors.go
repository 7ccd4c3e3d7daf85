// Package domainerrors carries coded errors across service boundaries.
//
// Services return these (usually by wrapping a store or sentinel error) so the
// outbound gateway can translate them into result envelopes without string
// matching. Import as dErrors.
package domainerrors

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error classification.
type Code string

const (
	CodeNotFound                Code = "not_found"
	CodeConsensusBelowThreshold Code = "consensus_below_threshold"
	CodeInsufficientCollateral  Code = "insufficient_collateral"
	CodeInvalidClaim            Code = "invalid_claim"
	CodeSourceTimeout           Code = "source_timeout"
	CodeCancelled               Code = "cancelled"
	CodeUnavailable             Code = "unavailable"
	CodeConflict                Code = "conflict"
	CodeBadRequest              Code = "bad_request"
	CodeInvalidInput            Code = "invalid_input"
	CodeInvariantViolation      Code = "invariant_violation"
	CodeInternal                Code = "internal"
)

// Error is a coded domain error with optional diagnostic details.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a diagnostic key/value and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to err. Returns nil when err is nil.
// Context cancellation is always reported as CodeCancelled regardless of the
// requested code so callers can tell aborted work from failed work.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		code = CodeCancelled
	}
	return &Error{Code: code, Message: message, Err: err}
}

// Cancelled reports a context error as a coded error.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: CodeCancelled, Message: "operation cancelled", Err: err}
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if errors.As(err, &de) {
			if de.Code == code {
				return true
			}
			err = de.Err
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeSourceTimeout
	}
	return CodeInternal
}

// DetailsOf returns the details of the outermost coded error, if any.
func DetailsOf(err error) map[string]any {
	var de *Error
	if errors.As(err, &de) {
		return de.Details
	}
	return nil
}

// MessageOf returns the human-readable message of the outermost coded error,
// falling back to err.Error().
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
