// Package payload holds the semantic map that stages exchange and persist as
// handoffs, with accessors that coerce values decoded from JSON.
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Payload is a semantic map persisted as a handoff body.
type Payload map[string]any

// As coerces x to a Payload. Anything that is not a map yields an empty Payload.
func As(x any) Payload {
	switch v := x.(type) {
	case Payload:
		if v == nil {
			return Payload{}
		}
		return v
	case map[string]any:
		if v == nil {
			return Payload{}
		}
		return Payload(v)
	default:
		return Payload{}
	}
}

// IsMap reports whether x is a map-shaped value As would keep.
func IsMap(x any) bool {
	switch x.(type) {
	case Payload, map[string]any:
		return true
	}
	return false
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Map returns the nested map at key, or an empty Payload.
func (p Payload) Map(key string) Payload {
	return As(p[key])
}

// String returns the string at key. Non-string scalars are formatted; nil is "".
func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the integer at key, accepting JSON numbers and numeric strings.
// Missing or unparsable values yield 0.
func (p Payload) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int(v)
	case float32:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// List returns the sequence at key as []any. Missing or non-sequence values
// yield an empty, non-nil slice.
func (p Payload) List(key string) []any {
	return ToList(p[key])
}

// Maps returns the elements at key that are maps, in order.
func (p Payload) Maps(key string) []Payload {
	var out []Payload
	for _, item := range p.List(key) {
		if IsMap(item) {
			out = append(out, As(item))
		}
	}
	return out
}

// Strings returns the sequence at key formatted as strings.
func (p Payload) Strings(key string) []string {
	items := p.List(key)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// ToList normalizes the sequence types stages produce in memory and the
// []any produced by JSON decoding.
func ToList(x any) []any {
	switch v := x.(type) {
	case []any:
		if v == nil {
			return []any{}
		}
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []Payload:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	default:
		return []any{}
	}
}

// Truthy reports whether x is a present, non-empty value.
func Truthy(x any) bool {
	switch v := x.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case Payload:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return true
}

// Marshal encodes p as JSON, treating a nil Payload as an empty object.
func Marshal(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a JSON object. A JSON value that is not an object yields an
// empty Payload, mirroring As.
func Unmarshal(data []byte) (Payload, error) {
	if len(data) == 0 {
		return Payload{}, nil
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse payload json: %w", err)
	}
	return As(raw), nil
}

// Normalize round-trips v through JSON so typed values (structs, typed slices)
// become the generic shapes accessors expect.
func Normalize(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return Unmarshal(data)
}
