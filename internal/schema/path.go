package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// Resolve walks a dotted path into decoded JSON. Missing intermediate keys
// (or non-object intermediates) yield nil, not an error. An empty path
// returns data unchanged.
func Resolve(data map[string]any, path string) any {
	if path == "" {
		return data
	}
	var cur any = data
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// Coerce converts a resolved value to the rule's scalar type. A nil input
// stays nil. Failures return an error so the caller can degrade the field
// to a warning and leave the column null.
func Coerce(v any, t model.FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case model.FieldString:
		switch s := v.(type) {
		case string:
			return s, nil
		case float64, bool:
			return fmt.Sprintf("%v", s), nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to string", v)
		}
	case model.FieldInt:
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to int: %w", n, err)
			}
			return i, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to int", v)
		}
	case model.FieldFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
			if err != nil {
				return nil, fmt.Errorf("coerce %q to float: %w", n, err)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to float", v)
		}
	case model.FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(b)))
			if err != nil {
				return nil, fmt.Errorf("coerce %q to boolean: %w", b, err)
			}
			return parsed, nil
		default:
			return nil, fmt.Errorf("cannot coerce %T to boolean", v)
		}
	case model.FieldJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("coerce to json: %w", err)
		}
		return raw, nil
	case model.FieldTimestamp:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot coerce %T to timestamp", v)
		}
		ts, err := ParseTimestamp(s)
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

// ParseTimestamp accepts RFC 3339 with or without offset, tolerating the
// trailing "Z" producers emit.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
