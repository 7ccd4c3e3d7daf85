// Package result is the envelope every outbound oracle operation returns.
//
// Expected failures (not found, insufficient collateral, consensus below
// quorum) travel inside the envelope instead of as bare errors so callers
// always get the partial diagnostic detail alongside the message.
package result

import (
	dErrors "collateraloracle/pkg/domain-errors"
)

// Result carries a value or a classified failure.
type Result[T any] struct {
	Value   T              `json:"value"`
	IsError bool           `json:"is_error"`
	Code    dErrors.Code   `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// OK wraps a successful value.
func OK[T any](value T) Result[T] {
	return Result[T]{Value: value}
}

// Fail wraps an error with no value.
func Fail[T any](err error) Result[T] {
	var zero T
	return From(zero, err)
}

// From builds a result from the conventional (value, error) pair. The value
// is kept on failure because several operations return partial data (for
// example the per-source votes of a consensus that missed quorum).
func From[T any](value T, err error) Result[T] {
	if err == nil {
		return OK(value)
	}
	return Result[T]{
		Value:   value,
		IsError: true,
		Code:    dErrors.CodeOf(err),
		Message: dErrors.MessageOf(err),
		Details: dErrors.DetailsOf(err),
	}
}

// Err reconstructs a coded error from a failed result, or nil.
func (r Result[T]) Err() error {
	if !r.IsError {
		return nil
	}
	e := dErrors.New(r.Code, r.Message)
	for k, v := range r.Details {
		e.WithDetail(k, v)
	}
	return e
}
