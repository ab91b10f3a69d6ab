package connector

import (
	"encoding/json"
	"math"
	"strconv"
)

// Params read helpers. JSON decoding yields float64 for numbers and UIs often
// send numbers as strings, so every numeric form is accepted.

// String returns params[key] when it is a string.
func String(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

// Int returns params[key] as an int, or def when absent or malformed.
func Int(params map[string]any, key string, def int) int {
	if n, ok := toInt(params[key]); ok {
		return n
	}
	return def
}

// Bool returns params[key] as a bool, or def when absent or malformed.
func Bool(params map[string]any, key string, def bool) bool {
	if b, ok := toBool(params[key]); ok {
		return b
	}
	return def
}

// StringMap returns params[key] as a map of strings.
func StringMap(params map[string]any, key string) map[string]string {
	m, _ := toStringMap(params[key])
	return m
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func toStringMap(v any) (map[string]string, bool) {
	switch m := v.(type) {
	case map[string]string:
		return m, true
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			s, ok := val.(string)
			if !ok {
				return nil, false
			}
			out[k] = s
		}
		return out, true
	}
	return nil, false
}
