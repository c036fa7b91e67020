package ingest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestKeyRing_VerifyRoundTrip(t *testing.T) {
	pub, priv := testKeyPair(t)
	ring := NewKeyRing()
	ring.Add("wa-2025-06-14-ROOT00", pub)

	comps := decodeNumbers(t, `[{"data":{"x":1},"event_type":"THOUGHT_START"}]`).([]any)
	msg, err := SignatureMessage(comps)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, msg)

	// Agents emit unpadded URL-safe base64.
	encoded := base64.RawURLEncoding.EncodeToString(sig)
	assert.NoError(t, ring.Verify("wa-2025-06-14-ROOT00", encoded, msg))

	// Padded standard base64 from older SDKs verifies too.
	encoded = base64.StdEncoding.EncodeToString(sig)
	assert.NoError(t, ring.Verify("wa-2025-06-14-ROOT00", encoded, msg))
}

func TestKeyRing_UnknownKey(t *testing.T) {
	ring := NewKeyRing()

	err := ring.Verify("wa-2099-FUTURE", "c2ln", []byte("msg"))
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestKeyRing_BadSignature(t *testing.T) {
	pub, _ := testKeyPair(t)
	_, otherPriv := testKeyPair(t)
	ring := NewKeyRing()
	ring.Add("k1", pub)

	msg := []byte("signed content")
	sig := base64.RawURLEncoding.EncodeToString(ed25519.Sign(otherPriv, msg))
	assert.ErrorIs(t, ring.Verify("k1", sig, msg), ErrBadSignature)

	assert.ErrorIs(t, ring.Verify("k1", "!!!not base64!!!", msg), ErrBadSignature)
}

func TestKeyRing_LoadFiltersInactiveKeys(t *testing.T) {
	pub, _ := testKeyPair(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	ring := NewKeyRing()
	ring.Load([]model.PublicKey{
		{KeyID: "active", PublicKey: pub},
		{KeyID: "revoked", PublicKey: pub, RevokedAt: &past},
		{KeyID: "expired", PublicKey: pub, ExpiresAt: &past},
		{KeyID: "truncated", PublicKey: pub[:16]},
	})

	assert.Equal(t, 1, ring.Len())
	assert.ErrorIs(t, ring.Verify("revoked", "c2ln", nil), ErrUnknownKey)
}

func TestDecodeSignature_Padding(t *testing.T) {
	raw := []byte{0xfb, 0xef, 0xff, 0x01, 0x02}

	// Unpadded URL-safe, padded URL-safe, and padded standard all decode.
	for _, s := range []string{
		base64.RawURLEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.StdEncoding.EncodeToString(raw),
	} {
		got, err := DecodeSignature(s)
		require.NoError(t, err, s)
		assert.Equal(t, raw, got)
	}

	_, err := DecodeSignature("")
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	pub, _ := testKeyPair(t)

	parsed, err := ParsePublicKey(base64.StdEncoding.EncodeToString(pub))
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)

	_, err = ParsePublicKey(base64.StdEncoding.EncodeToString(pub[:16]))
	assert.Error(t, err, "short keys are rejected at registration")

	_, err = ParsePublicKey("not base64 at all ###")
	assert.Error(t, err)
}
