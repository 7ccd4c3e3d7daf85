// Package attestationtest provides scriptable attestation sources for tests.
package attestationtest

import (
	"context"
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"collateraloracle/internal/attestation"
	id "collateraloracle/pkg/domain"
)

// Fake answers every query with a fixed owner, optionally after a delay or
// with an error. It honours context cancellation while delayed.
type Fake struct {
	SourceID id.SourceID
	ChainID  id.ChainID

	mu     sync.Mutex
	owner  string
	owners map[id.AssetID]string
	err    error
	delay  time.Duration
	proof  []byte
	signer ed25519.PrivateKey
	block  chan struct{}

	calls atomic.Int64
}

func NewFake(sourceID id.SourceID, chain id.ChainID, owner string) *Fake {
	return &Fake{SourceID: sourceID, ChainID: chain, owner: owner}
}

func (f *Fake) ID() id.SourceID   { return f.SourceID }
func (f *Fake) Chain() id.ChainID { return f.ChainID }

// Calls returns how many times GetAttestation was invoked.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

func (f *Fake) WithOwner(owner string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owner = owner
	return f
}

// WithAssetOwner answers assetID with owner and every other asset with the
// default owner.
func (f *Fake) WithAssetOwner(assetID id.AssetID, owner string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners == nil {
		f.owners = make(map[id.AssetID]string)
	}
	f.owners[assetID] = owner
	return f
}

func (f *Fake) WithError(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	return f
}

func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

func (f *Fake) WithProof(proof []byte) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proof = proof
	return f
}

// WithSigner makes the fake sign every attestation it returns.
func (f *Fake) WithSigner(key ed25519.PrivateKey) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signer = key
	return f
}

// Hang blocks every call until the context is done.
func (f *Fake) Hang() *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = make(chan struct{})
	return f
}

func (f *Fake) GetAttestation(ctx context.Context, assetID id.AssetID, asOf id.AsOf) (*attestation.Attestation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	owner, err, delay, proof, signer, block := f.owner, f.err, f.delay, f.proof, f.signer, f.block
	if o, ok := f.owners[assetID]; ok {
		owner = o
	}
	f.mu.Unlock()

	if block != nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}

	observed := time.Now().UTC()
	if at, ok := asOf.Time(); ok {
		observed = at
	}
	att := &attestation.Attestation{
		SourceID:    f.SourceID,
		Chain:       f.ChainID,
		AssetID:     assetID,
		Owner:       owner,
		BlockHeight: 1,
		ObservedAt:  observed,
		RespondedAt: time.Now().UTC(),
		ChainProof:  append([]byte(nil), proof...),
	}
	if signer != nil {
		sig, err := attestation.SignAttestation(signer, att)
		if err != nil {
			return nil, err
		}
		att.Signature = sig
	}
	return att, nil
}
