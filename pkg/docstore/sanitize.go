package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sanitize reduces a value to primitive types before it crosses the
// store boundary: nil, bool, int64, float64, string, []any and
// map[string]any. Containers are walked recursively; anything else
// (structs, typed maps, wrappers) is reduced via a JSON round trip.
func Sanitize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case time.Time:
		return t.UnixMilli(), nil
	case time.Duration:
		return int64(t / time.Millisecond), nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q", ErrConstraint, t)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			sv, err := Sanitize(val)
			if err != nil {
				return nil, err
			}
			out[k] = sv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			sv, err := Sanitize(val)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	default:
		// Structs, typed slices/maps, and implicitly convertible
		// wrappers all reduce through JSON.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: unsanitizable value %T: %v", ErrConstraint, v, err)
		}
		var out any
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return out, nil
	}
}

// sanitizeDoc sanitizes a document and validates its primary key.
func sanitizeDoc(v any) (Document, string, error) {
	sv, err := Sanitize(v)
	if err != nil {
		return nil, "", err
	}
	doc, ok := sv.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("%w: document must be a map, got %T", ErrConstraint, sv)
	}
	key, ok := doc["_key"].(string)
	if !ok || key == "" {
		return nil, "", fmt.Errorf("%w: document missing _key", ErrConstraint)
	}
	return doc, key, nil
}
