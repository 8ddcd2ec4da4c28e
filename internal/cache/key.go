package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Key builds the cache key for a contract read:
//
//	lower(target) + ":" + method + ":" + canonical JSON of args
//
// Hex strings inside args (addresses, hashes, byte values) are lower-cased
// and object keys are sorted, so equal calls always produce equal keys and
// invalidation can match on readable substrings.
func Key(target, method string, args []interface{}) string {
	return strings.ToLower(target) + ":" + method + ":" + canonicalArgs(args)
}

// TokenPattern returns the substring matching every cached read of method on
// target whose only argument is id.
func TokenPattern(target, method, id string) string {
	return strings.ToLower(target) + ":" + method + ":[" + id + "]"
}

func canonicalArgs(args []interface{}) string {
	if len(args) == 0 {
		return "[]"
	}

	raw, err := json.Marshal(args)
	if err != nil {
		// Values that cannot be marshaled still need a stable key.
		return fmt.Sprintf("%v", args)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data interface{}
	if err := dec.Decode(&data); err != nil {
		return string(raw)
	}

	out, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// normalizeValue recursively normalizes a decoded JSON value. Maps are
// re-marshaled with sorted keys by encoding/json.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = normalizeValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = normalizeValue(item)
		}
		return result
	case string:
		if isHex(val) {
			return strings.ToLower(val)
		}
		return val
	default:
		return val
	}
}

func isHex(s string) bool {
	if len(s) < 3 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
