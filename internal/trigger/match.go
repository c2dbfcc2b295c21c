package trigger

import (
	"encoding/json"
	"reflect"
	"strings"
)

// MatchPattern reports whether an event kind satisfies pattern. "*" matches
// everything, "prefix.*" matches any kind starting with "prefix.", anything
// else must match exactly.
func MatchPattern(pattern, kind string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(kind, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == kind
	}
}

// MatchCondition reports whether every key of cond equals the same key in
// payload. A nil or empty condition always matches.
func MatchCondition(cond, payload map[string]interface{}) bool {
	for k, want := range cond {
		got, ok := payload[k]
		if !ok {
			return false
		}
		if !equalValues(want, got) {
			return false
		}
	}
	return true
}

// equalValues compares decoded JSON values, treating all numeric types alike.
func equalValues(a, b interface{}) bool {
	if na, ok := number(a); ok {
		nb, ok := number(b)
		return ok && na == nb
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalize round-trips composite values through JSON so that, for example,
// []string and []interface{} compare equal.
func normalize(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
