// Package values holds the dynamic data that flows between nodes. Node
// configuration, node inputs, and node outputs are all JSON-shaped documents;
// Map wraps them with a thin path-accessor API so callers never chain raw
// type assertions across nested maps.
package values

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Map is a JSON-shaped document: values are nil, bool, float64, string,
// []any, or nested map[string]any, exactly as encoding/json decodes them.
type Map map[string]any

// FromJSON decodes a JSON object into a Map.
func FromJSON(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// JSON encodes the map. A nil map encodes as {}.
func (m Map) JSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Get resolves a dot-separated path ("response.headers.etag", "items.0.id").
// Numeric segments index into slices. The second return reports whether every
// segment resolved.
func (m Map) Get(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(m)
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Map:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// String resolves the path to a string. Missing paths or non-strings return
// the empty string and false.
func (m Map) String(path string) (string, bool) {
	v, ok := m.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringOr resolves the path to a string, falling back to def.
func (m Map) StringOr(path, def string) string {
	if s, ok := m.String(path); ok {
		return s
	}
	return def
}

// Bool resolves the path to a bool.
func (m Map) Bool(path string) (bool, bool) {
	v, ok := m.Get(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Int resolves the path to an int. JSON numbers decode as float64; integral
// floats convert, everything else fails.
func (m Map) Int(path string) (int, bool) {
	v, ok := m.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// IntOr resolves the path to an int, falling back to def.
func (m Map) IntOr(path string, def int) int {
	if n, ok := m.Int(path); ok {
		return n
	}
	return def
}

// Float resolves the path to a float64.
func (m Map) Float(path string) (float64, bool) {
	v, ok := m.Get(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Slice resolves the path to a []any.
func (m Map) Slice(path string) ([]any, bool) {
	v, ok := m.Get(path)
	if !ok {
		return nil, false
	}
	s, ok := v.([]any)
	return s, ok
}

// Child resolves the path to a nested Map.
func (m Map) Child(path string) (Map, bool) {
	v, ok := m.Get(path)
	if !ok {
		return nil, false
	}
	switch c := v.(type) {
	case map[string]any:
		return Map(c), true
	case Map:
		return c, true
	default:
		return nil, false
	}
}

// Clone returns a deep copy. Slices and nested maps are copied; scalar
// values are shared (they are immutable).
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// Merge copies every entry of other into m, overwriting existing keys.
// Nested maps are replaced, not merged.
func (m Map) Merge(other Map) Map {
	for k, v := range other {
		m[k] = cloneValue(v)
	}
	return m
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Map:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
