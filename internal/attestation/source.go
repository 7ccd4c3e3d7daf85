// Package attestation defines the capability every chain or ledger adapter
// implements and the registry the consensus engine fans out over.
package attestation

//go:generate mockgen -source=source.go -destination=mocks/mocks.go -package=mocks Source,Verifier

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	id "collateraloracle/pkg/domain"
)

// ErrSourceRegistered is returned when a source ID is registered twice.
var ErrSourceRegistered = errors.New("attestation source already registered")

// Attestation is one source's statement about who owns an asset.
type Attestation struct {
	SourceID    id.SourceID
	Chain       id.ChainID
	AssetID     id.AssetID
	Owner       string
	BlockHeight uint64
	ObservedAt  time.Time // chain time of the observation
	RespondedAt time.Time // when the source answered
	ChainProof  []byte    // opaque, never altered
	Signature   string    // compact JWS over the statement
}

// Clone returns a deep copy; ChainProof is copied byte for byte.
func (a *Attestation) Clone() *Attestation {
	if a == nil {
		return nil
	}
	c := *a
	c.ChainProof = slices.Clone(a.ChainProof)
	return &c
}

// Source is the universal interface all chain adapters must implement.
type Source interface {
	// ID returns a unique identifier for this source instance
	ID() id.SourceID

	// Chain returns the chain or ledger the source observes
	Chain() id.ChainID

	// GetAttestation reports the owner of assetID as of asOf. Live asks for
	// the latest observed state.
	GetAttestation(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (*Attestation, error)
}

// Verifier checks an attestation's signature before it may vote.
type Verifier interface {
	Verify(ctx context.Context, att *Attestation) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, att *Attestation) error

func (f VerifierFunc) Verify(ctx context.Context, att *Attestation) error {
	return f(ctx, att)
}

// Registry maintains all registered sources keyed by ID.
type Registry struct {
	mu      sync.RWMutex
	sources map[id.SourceID]Source
}

func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[id.SourceID]Source)}
	for _, s := range sources {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a source to the registry.
func (r *Registry) Register(s Source) error {
	if s == nil {
		return fmt.Errorf("attestation source is required")
	}
	sid := s.ID()
	if sid.IsZero() {
		return fmt.Errorf("attestation source ID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[sid]; exists {
		return fmt.Errorf("%w: %s", ErrSourceRegistered, sid)
	}
	r.sources[sid] = s
	return nil
}

// Unregister removes a source. Unknown IDs are ignored.
func (r *Registry) Unregister(sid id.SourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, sid)
}

func (r *Registry) Get(sid id.SourceID) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[sid]
	return s, ok
}

// ByChain returns the sources observing chain, ordered by ID.
func (r *Registry) ByChain(chain id.ChainID) []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Source
	for _, s := range r.sources {
		if s.Chain() == chain {
			result = append(result, s)
		}
	}
	sortByID(result)
	return result
}

// All returns every registered source ordered by ID.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		result = append(result, s)
	}
	sortByID(result)
	return result
}

// Chains lists the distinct chains covered by registered sources.
func (r *Registry) Chains() []id.ChainID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[id.ChainID]struct{})
	var chains []id.ChainID
	for _, s := range r.sources {
		if _, ok := seen[s.Chain()]; ok {
			continue
		}
		seen[s.Chain()] = struct{}{}
		chains = append(chains, s.Chain())
	}
	slices.Sort(chains)
	return chains
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

func sortByID(sources []Source) {
	slices.SortFunc(sources, func(a, b Source) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
}
