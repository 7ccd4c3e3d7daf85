package attestation

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "collateraloracle/pkg/domain"
)

// Claims is the signed statement carried in Attestation.Signature. The
// issuer is the source ID and the subject the asset ID.
type Claims struct {
	jwt.RegisteredClaims
	Owner       string `json:"owner"`
	Chain       string `json:"chain"`
	BlockHeight uint64 `json:"block_height,omitempty"`
	ProofSHA256 string `json:"proof_sha256"`
}

// ProofDigest is the hex SHA-256 of a chain proof as carried in Claims.
func ProofDigest(proof []byte) string {
	sum := sha256.Sum256(proof)
	return hex.EncodeToString(sum[:])
}

// SignAttestation produces the compact JWS a source attaches to att.
func SignAttestation(key ed25519.PrivateKey, att *Attestation) (string, error) {
	if att == nil {
		return "", errors.New("attestation is required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   string(att.SourceID),
			Subject:  string(att.AssetID),
			IssuedAt: jwt.NewNumericDate(att.ObservedAt),
		},
		Owner:       att.Owner,
		Chain:       string(att.Chain),
		BlockHeight: att.BlockHeight,
		ProofSHA256: ProofDigest(att.ChainProof),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign attestation: %w", err)
	}
	return signed, nil
}

// JWTVerifier validates EdDSA-signed attestations against per-source keys.
// Sources without a key are rejected unless listed with WithUnsignedSources.
type JWTVerifier struct {
	mu       sync.RWMutex
	keys     map[id.SourceID]ed25519.PublicKey
	unsigned map[id.SourceID]struct{}
	leeway   time.Duration
}

type JWTOption func(*JWTVerifier)

// WithLeeway tolerates clock skew on the issued-at claim.
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		v.leeway = d
	}
}

// WithUnsignedSources accepts attestations from the given sources without a
// signature check while they have no key installed.
func WithUnsignedSources(sids ...id.SourceID) JWTOption {
	return func(v *JWTVerifier) {
		for _, sid := range sids {
			v.unsigned[sid] = struct{}{}
		}
	}
}

func NewJWTVerifier(keys map[id.SourceID]ed25519.PublicKey, opts ...JWTOption) *JWTVerifier {
	v := &JWTVerifier{
		keys:     make(map[id.SourceID]ed25519.PublicKey, len(keys)),
		unsigned: make(map[id.SourceID]struct{}),
	}
	for sid, k := range keys {
		v.keys[sid] = k
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetKey installs or rotates the public key for a source.
func (v *JWTVerifier) SetKey(sid id.SourceID, key ed25519.PublicKey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[sid] = key
}

// key returns the source's key. trusted is true for a keyless source that
// was registered as unsigned.
func (v *JWTVerifier) key(sid id.SourceID) (key ed25519.PublicKey, ok, trusted bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if k, found := v.keys[sid]; found {
		return k, true, false
	}
	_, trusted = v.unsigned[sid]
	return nil, false, trusted
}

// Verify checks the signature and that every signed field matches the
// attestation it is attached to. Attestations from unsigned sources pass
// unchecked.
func (v *JWTVerifier) Verify(_ context.Context, att *Attestation) error {
	if att == nil {
		return errors.New("attestation is required")
	}
	key, ok, trusted := v.key(att.SourceID)
	if trusted {
		return nil
	}
	if !ok {
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "no verification key for source", nil)
	}
	if att.Signature == "" {
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "attestation is unsigned", nil)
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(att.Signature, &claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(string(att.SourceID)),
		jwt.WithSubject(string(att.AssetID)),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "signature rejected", err)
	}

	switch {
	case !id.SameOwner(claims.Owner, att.Owner):
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "signed owner differs from attested owner", nil)
	case claims.Chain != string(att.Chain):
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "signed chain differs from attested chain", nil)
	case claims.BlockHeight != att.BlockHeight:
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "signed block height differs", nil)
	case claims.ProofSHA256 != ProofDigest(att.ChainProof):
		return NewSourceError(ErrorInvalidSignature, att.SourceID, "chain proof does not match signed digest", nil)
	}
	return nil
}
