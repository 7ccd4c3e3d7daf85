package timetravel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"collateraloracle/internal/domain"
	id "collateraloracle/pkg/domain"
)

// Keyring seals evidence with per-asset keys derived from rotating root
// keys. Old keys stay in the ring so earlier seals keep verifying.
type Keyring struct {
	keys        map[string][]byte
	activeKeyID string
}

// NewKeyring builds a keyring. activeKeyID must name one of keys.
func NewKeyring(keys map[string][]byte, activeKeyID string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, errors.New("evidence seal keys are required")
	}
	activeKeyID = strings.TrimSpace(activeKeyID)
	if activeKeyID == "" {
		return nil, errors.New("active seal key id is required")
	}
	if _, ok := keys[activeKeyID]; !ok {
		return nil, fmt.Errorf("active seal key %q is not configured", activeKeyID)
	}
	ring := &Keyring{keys: make(map[string][]byte, len(keys)), activeKeyID: activeKeyID}
	for kid, key := range keys {
		if len(key) < 16 {
			return nil, fmt.Errorf("seal key %q is shorter than 16 bytes", kid)
		}
		ring.keys[kid] = append([]byte(nil), key...)
	}
	return ring, nil
}

func (k *Keyring) ActiveKeyID() string {
	return k.activeKeyID
}

// Seal signs digest with the active key for assetID.
func (k *Keyring) Seal(assetID id.AssetID, digest string) (seal, keyID string, err error) {
	key, err := deriveAssetKey(k.keys[k.activeKeyID], assetID)
	if err != nil {
		return "", "", err
	}
	return hmacHex(key, digest), k.activeKeyID, nil
}

// Verify checks a seal made by any key still in the ring.
func (k *Keyring) Verify(assetID id.AssetID, digest, seal, keyID string) error {
	root, ok := k.keys[keyID]
	if !ok {
		return fmt.Errorf("seal key %q is unknown", keyID)
	}
	key, err := deriveAssetKey(root, assetID)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(hmacHex(key, digest)), []byte(seal)) {
		return errors.New("seal mismatch")
	}
	return nil
}

func deriveAssetKey(root []byte, assetID id.AssetID) ([]byte, error) {
	if assetID.IsZero() {
		return nil, errors.New("asset id is required")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, root, nil, []byte("ownership-evidence:"+assetID.String()))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive evidence key: %w", err)
	}
	return key, nil
}

func hmacHex(key []byte, value string) string {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Digest is the hex SHA-256 of the evidence's JSON form with the digest and
// seal fields cleared.
func Digest(ev domain.OwnershipEvidence) (string, error) {
	ev.Digest, ev.Seal, ev.SealKeyID = "", "", ""
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode evidence: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEvidence recomputes the digest and, when the evidence is sealed,
// checks the seal. A nil keyring accepts unsealed evidence only.
func VerifyEvidence(ring *Keyring, ev domain.OwnershipEvidence) error {
	digest, err := Digest(ev)
	if err != nil {
		return err
	}
	if digest != ev.Digest {
		return errors.New("evidence digest mismatch")
	}
	if ev.Seal == "" {
		return nil
	}
	if ring == nil {
		return errors.New("evidence is sealed but no keyring is configured")
	}
	return ring.Verify(ev.AssetID, ev.Digest, ev.Seal, ev.SealKeyID)
}
