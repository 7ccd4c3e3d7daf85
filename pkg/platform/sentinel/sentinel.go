// Package sentinel holds the infrastructure facts history stores and lockers
// report. Services translate them into coded domain errors; input
// validation failures never use them.
package sentinel

import "errors"

var (
	// ErrNotFound: no such event, asset chain or encumbrance.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the asset head moved under an ExpectHead append, or the
	// event is already stored.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState: the event does not fit the chain it is appended to.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: the backend or lease service cannot be reached.
	ErrUnavailable = errors.New("unavailable")
)
