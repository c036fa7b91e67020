package model

import "time"

// PublicKey is a registered Ed25519 signer key. Keys are append-only;
// revocation is a timestamp, never a delete.
type PublicKey struct {
	KeyID       string     `json:"key_id"`
	Algorithm   string     `json:"algorithm"` // always "ed25519"
	PublicKey   []byte     `json:"-"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key may verify signatures at t.
func (k PublicKey) Active(t time.Time) bool {
	if k.RevokedAt != nil && !t.Before(*k.RevokedAt) {
		return false
	}
	if k.ExpiresAt != nil && !t.Before(*k.ExpiresAt) {
		return false
	}
	return true
}
