package ingest

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// Signature verification failures. ErrUnknownKey means the trace is stored
// unverified and retried after the key shows up; ErrBadSignature means the
// signature is present but does not verify against the registered key.
var (
	ErrUnknownKey   = errors.New("ingest: unknown signer key")
	ErrBadSignature = errors.New("ingest: signature verification failed")
)

// KeyRing is an in-memory snapshot of active Ed25519 signer keys, refreshed
// from the public_keys table. Lookups happen on every ingested trace, so
// the ring never touches the database on the hot path.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRing returns an empty ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// Load replaces the ring with the active subset of keys. Revoked, expired,
// and malformed keys are dropped silently; they simply stop verifying.
func (r *KeyRing) Load(keys []model.PublicKey) {
	now := time.Now().UTC()
	next := make(map[string]ed25519.PublicKey, len(keys))
	for _, k := range keys {
		if !k.Active(now) || len(k.PublicKey) != ed25519.PublicKeySize {
			continue
		}
		next[k.KeyID] = ed25519.PublicKey(k.PublicKey)
	}
	r.mu.Lock()
	r.keys = next
	r.mu.Unlock()
}

// Add registers a single key without reloading the full snapshot.
func (r *KeyRing) Add(keyID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	r.keys[keyID] = pub
	r.mu.Unlock()
}

// Remove drops a key from the ring, e.g. after revocation.
func (r *KeyRing) Remove(keyID string) {
	r.mu.Lock()
	delete(r.keys, keyID)
	r.mu.Unlock()
}

// Len reports the number of loaded keys.
func (r *KeyRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Verify checks signature (base64, URL-safe or standard) over message using
// the key registered under keyID.
func (r *KeyRing) Verify(keyID, signature string, message []byte) error {
	r.mu.RLock()
	pub, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	sig, err := DecodeSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrBadSignature
	}
	return nil
}

// DecodeSignature decodes a base64 signature. Agents emit unpadded URL-safe
// base64; older SDK builds emitted padded standard base64. Padding is
// restored first, then URL-safe decoding is tried before standard.
func DecodeSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("empty signature")
	}
	if pad := 4 - len(s)%4; pad != 4 {
		for i := 0; i < pad; i++ {
			s += "="
		}
	}
	if sig, err := base64.URLEncoding.DecodeString(s); err == nil {
		return sig, nil
	}
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64 signature: %w", err)
	}
	return sig, nil
}

// ParsePublicKey decodes and validates a base64 Ed25519 public key as
// submitted to the key registration endpoint.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(b64); err != nil {
			return nil, fmt.Errorf("public key is not valid base64: %w", err)
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
