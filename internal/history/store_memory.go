package history

import (
	"context"
	"slices"
	"sync"
	"time"

	id "collateraloracle/pkg/domain"
	"collateraloracle/pkg/platform/sentinel"
)

// MemoryStore keeps the log in process. It backs tests and single-node
// deployments that do not need durability.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[id.EventID]OwnershipEvent
	chains map[id.AssetID][]id.EventID
	owners map[string]map[id.AssetID]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[id.EventID]OwnershipEvent),
		chains: make(map[id.AssetID][]id.EventID),
		owners: make(map[string]map[id.AssetID]time.Time),
	}
}

func (s *MemoryStore) Append(ctx context.Context, evt OwnershipEvent, opts ...AppendOption) (OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return OwnershipEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	head, headAt := s.headLocked(evt.AssetID)
	stored, err := seal(evt, head, headAt, resolveOptions(opts))
	if err != nil {
		return OwnershipEvent{}, err
	}
	if _, exists := s.events[stored.EventID]; exists {
		return OwnershipEvent{}, sentinel.ErrConflict
	}
	s.events[stored.EventID] = stored
	s.chains[stored.AssetID] = append(s.chains[stored.AssetID], stored.EventID)
	if stored.Kind == KindTransfer {
		s.indexOwnerLocked(stored.Actor, stored.AssetID, stored.Timestamp)
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) headLocked(assetID id.AssetID) (id.EventID, time.Time) {
	chain := s.chains[assetID]
	if len(chain) == 0 {
		return "", time.Time{}
	}
	last := s.events[chain[len(chain)-1]]
	return last.EventID, last.Timestamp
}

func (s *MemoryStore) indexOwnerLocked(owner string, assetID id.AssetID, at time.Time) {
	key := id.NormalizeOwner(owner)
	assets, ok := s.owners[key]
	if !ok {
		assets = make(map[id.AssetID]time.Time)
		s.owners[key] = assets
	}
	if first, seen := assets[assetID]; !seen || at.Before(first) {
		assets[assetID] = at
	}
}

func (s *MemoryStore) Head(ctx context.Context, assetID id.AssetID) (id.EventID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, _ := s.headLocked(assetID)
	return head, nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID id.EventID) (OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return OwnershipEvent{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[eventID]
	if !ok {
		return OwnershipEvent{}, sentinel.ErrNotFound
	}
	return evt.Clone(), nil
}

func (s *MemoryStore) EventsFor(ctx context.Context, assetID id.AssetID, upto id.AsOf) ([]OwnershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[assetID]
	out := make([]OwnershipEvent, 0, len(chain))
	for _, eventID := range chain {
		evt := s.events[eventID]
		if !upto.Includes(evt.Timestamp) {
			break
		}
		out = append(out, evt.Clone())
	}
	return out, nil
}

func (s *MemoryStore) OwnerAssets(ctx context.Context, owner string, upto id.AsOf) ([]id.AssetID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []id.AssetID
	for assetID, first := range s.owners[id.NormalizeOwner(owner)] {
		if upto.Includes(first) {
			out = append(out, assetID)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) AssetsWithKind(ctx context.Context, kinds ...Kind) ([]id.AssetID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []id.AssetID
	for assetID, chain := range s.chains {
		for _, eventID := range chain {
			if slices.Contains(kinds, s.events[eventID].Kind) {
				out = append(out, assetID)
				break
			}
		}
	}
	slices.Sort(out)
	return out, nil
}
