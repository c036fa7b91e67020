// Package ingest implements the covenant trace ingestion pipeline:
// canonical signature verification, schema-driven column extraction,
// malformed-payload quarantine, and buffered COPY-based persistence.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
)

// Canonical JSON for covenant traces.
//
// Agents sign the trace component list serialized with sorted keys, ASCII
// escaping, and ", "/": " separators; the quarantine digest uses the same
// serialization with compact ","/":" separators. Both forms must be
// byte-reproducible here or signatures break, so the encoder below is the
// single source of truth for them. Inputs must be decoded with
// json.Decoder.UseNumber so numeric literals survive round-tripping.

// SignatureMessage serializes a trace's component list into the exact byte
// sequence the agent signed.
func SignatureMessage(components []any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, components, ", ", ": "); err != nil {
		return nil, fmt.Errorf("ingest: canonicalize components: %w", err)
	}
	return buf.Bytes(), nil
}

// PayloadDigest returns the SHA-256 hex digest and byte length of the
// compact canonical form of an arbitrary payload. Used for malformed-trace
// records and stored-trace payload hashes; the payload itself is discarded.
func PayloadDigest(payload any) (digest string, size int, err error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, payload, ",", ":"); err != nil {
		return "", 0, fmt.Errorf("ingest: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), buf.Len(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any, itemSep, keySep string) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		writeEscapedString(buf, val)
	case float64:
		// Only reachable when a caller skipped UseNumber; fall back to the
		// shortest round-trip representation.
		buf.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteString(itemSep)
			}
			if err := encodeCanonical(buf, elem, itemSep, keySep); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(itemSep)
			}
			writeEscapedString(buf, k)
			buf.WriteString(keySep)
			if err := encodeCanonical(buf, val[k], itemSep, keySep); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value type %T", v)
	}
	return nil
}

// writeEscapedString writes s as a JSON string with every character outside
// the printable ASCII range escaped as \uXXXX (surrogate pairs above the
// BMP), matching ensure_ascii serializers.
func writeEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r >= 0x20 && r <= 0x7e:
			buf.WriteRune(r)
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(buf, `\u%04x`, r)
		}
	}
	buf.WriteByte('"')
}
