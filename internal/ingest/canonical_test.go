package ingest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decodeNumbers decodes JSON preserving numeric literals, the way the
// pipeline feeds the canonical encoder.
func decodeNumbers(t *testing.T, raw string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	require.NoError(t, dec.Decode(&v))
	return v
}

func TestSignatureMessage_SortedKeysAndSpacedSeparators(t *testing.T) {
	comps := decodeNumbers(t, `[{"event_type":"THOUGHT_START","data":{"b":1,"a":"x","f":0.5,"n":null,"t":true,"l":[1,2]}}]`).([]any)

	msg, err := SignatureMessage(comps)
	require.NoError(t, err)
	assert.Equal(t,
		`[{"data": {"a": "x", "b": 1, "f": 0.5, "l": [1, 2], "n": null, "t": true}, "event_type": "THOUGHT_START"}]`,
		string(msg))
}

func TestSignatureMessage_ASCIIEscaping(t *testing.T) {
	comps := decodeNumbers(t, `[{"u":"é😀","c":"\u0001\u007f"}]`).([]any)

	msg, err := SignatureMessage(comps)
	require.NoError(t, err)
	// Non-ASCII escapes to lowercase \uXXXX, astral characters to surrogate
	// pairs, exactly as producers serialize before signing.
	assert.Equal(t, "[{\"c\": \"\\u0001\\u007f\", \"u\": \"\\u00e9\\ud83d\\ude00\"}]", string(msg))
}

func TestSignatureMessage_PreservesNumericLiterals(t *testing.T) {
	comps := decodeNumbers(t, `[{"i":100,"f":0.30000000000000004,"e":1e-7}]`).([]any)

	msg, err := SignatureMessage(comps)
	require.NoError(t, err)
	assert.Equal(t, `[{"e": 1e-7, "f": 0.30000000000000004, "i": 100}]`, string(msg))
}

func TestPayloadDigest_CompactSeparators(t *testing.T) {
	payload := decodeNumbers(t, `[{"data":{"a":"x","b":1,"f":0.5,"l":[1,2],"n":null,"t":true,"u":"\u00e9\ud83d\ude00"},"event_type":"THOUGHT_START"}]`)

	digest, size, err := PayloadDigest(payload)
	require.NoError(t, err)

	// Digest and length of the compact canonical form, independently
	// computed from the reference serializer.
	canonical := `[{"data":{"a":"x","b":1,"f":0.5,"l":[1,2],"n":null,"t":true,"u":"\u00e9\ud83d\ude00"},"event_type":"THOUGHT_START"}]`
	assert.Equal(t, "47a827239b0965bf2df5ab51b9d6feebe3eb3bd6e8a89f3467cc96daa1466547", digest)
	assert.Equal(t, len(canonical), size)
}

func TestPayloadDigest_StableAcrossKeyOrder(t *testing.T) {
	a := decodeNumbers(t, `{"x":1,"y":{"b":2,"a":3}}`)
	b := decodeNumbers(t, `{"y":{"a":3,"b":2},"x":1}`)

	da, _, err := PayloadDigest(a)
	require.NoError(t, err)
	db, _, err := PayloadDigest(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}
