package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// HashObject returns the hex SHA-256 of the canonical serialization of v.
// Canonical form sorts object keys lexicographically at every level and
// preserves array order, so two structurally equal values hash identically
// regardless of key order. Structs are flattened through their JSON encoding
// before canonicalization.
//
// All content hashes used for idempotency keys and audit records reference
// this function.
func HashObject(v interface{}) string {
	canonical := canonicalize(v)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func canonicalize(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case string:
		b, _ := json.Marshal(val)
		return string(b)
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			kb, _ := json.Marshal(k)
			parts = append(parts, string(kb)+":"+canonicalize(val[k]))
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, canonicalize(item))
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		// Structs, typed maps and slices round-trip through JSON into the
		// generic shapes handled above.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		}
		var generic interface{}
		if err := json.Unmarshal(b, &generic); err != nil {
			return string(b)
		}
		// Guard against types that marshal to a JSON string of themselves.
		if s, ok := generic.(string); ok {
			sb, _ := json.Marshal(s)
			return string(sb)
		}
		return canonicalize(generic)
	}
}

// formatFloat renders JSON-compatible numeric scalars: integral floats drop
// the fraction so 5.0 and int 5 hash identically.
func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
