package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
	"collateraloracle/pkg/platform/sentinel"
)

// ErrHeadMoved is returned when ExpectHead no longer matches the asset's
// head. It wraps sentinel.ErrConflict.
var ErrHeadMoved = fmt.Errorf("%w: asset head moved", sentinel.ErrConflict)

// ErrOutOfOrder is returned when an event is older than the asset's head.
var ErrOutOfOrder = fmt.Errorf("%w: event predates asset head", sentinel.ErrInvalidState)

// Store is the append-only ownership log. Implementations serialise appends
// per asset, copy ChainProof bytes in and out, and never modify or delete an
// appended event.
type Store interface {
	// Append assigns PrecedingEventID and EventID and persists the event
	// atomically. The stored event is returned.
	Append(ctx context.Context, evt OwnershipEvent, opts ...AppendOption) (OwnershipEvent, error)

	// Head returns the latest event ID for an asset, empty if it has none.
	Head(ctx context.Context, assetID id.AssetID) (id.EventID, error)

	// Get returns a single event or sentinel.ErrNotFound.
	Get(ctx context.Context, eventID id.EventID) (OwnershipEvent, error)

	// EventsFor returns the asset's events in chain order. A pinned AsOf
	// returns the prefix of events whose timestamp is at or before it.
	EventsFor(ctx context.Context, assetID id.AssetID, upto id.AsOf) ([]OwnershipEvent, error)

	// OwnerAssets lists assets that were transferred to owner at or before
	// upto, ordered by asset ID. Callers must replay to learn whether the
	// owner still holds them.
	OwnerAssets(ctx context.Context, owner string, upto id.AsOf) ([]id.AssetID, error)

	// AssetsWithKind lists assets that have at least one event of any of
	// the given kinds, ordered by asset ID.
	AssetsWithKind(ctx context.Context, kinds ...Kind) ([]id.AssetID, error)
}

type appendOptions struct {
	expectHead    id.EventID
	hasExpectHead bool
}

type AppendOption func(*appendOptions)

// ExpectHead makes Append fail with ErrHeadMoved unless the asset's current
// head equals head. An empty head expects an asset with no events.
func ExpectHead(head id.EventID) AppendOption {
	return func(o *appendOptions) {
		o.expectHead = head
		o.hasExpectHead = true
	}
}

func resolveOptions(opts []AppendOption) appendOptions {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// seal validates evt against the current head and returns the stored form.
// Backends call it while holding their per-asset serialisation.
func seal(evt OwnershipEvent, head id.EventID, headAt time.Time, o appendOptions) (OwnershipEvent, error) {
	if err := Validate(evt); err != nil {
		return OwnershipEvent{}, fmt.Errorf("%w: %s", sentinel.ErrInvalidState, err.Error())
	}
	if o.hasExpectHead && o.expectHead != head {
		return OwnershipEvent{}, ErrHeadMoved
	}
	evt = normalize(evt)
	if !head.IsZero() && evt.Timestamp.Before(headAt) {
		return OwnershipEvent{}, ErrOutOfOrder
	}
	evt.PrecedingEventID = head
	eventID, err := ComputeID(evt)
	if err != nil {
		return OwnershipEvent{}, err
	}
	evt.EventID = eventID
	return evt, nil
}

// IsConflict reports whether an append lost a race or violated ordering.
func IsConflict(err error) bool {
	return errors.Is(err, sentinel.ErrConflict)
}

// IsOutOfOrder reports whether an append was rejected for predating the head.
func IsOutOfOrder(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}

// CodedError translates a store error into a coded domain error. Context
// errors become CodeCancelled.
func CodedError(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Cancelled(err)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, message)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, message)
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, message)
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, message)
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, message)
}
