package builtin

import (
	"fmt"
	"strings"
)

// stringArg fetches a string-like argument, returning an empty string when
// the key is absent or nil.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	value, ok := args[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

// stringSliceArg coalesces array-like arguments into a trimmed slice of
// strings, handling both []any and singular string inputs.
func stringSliceArg(args map[string]any, key string) []string {
	if args == nil {
		return nil
	}
	switch typed := args[key].(type) {
	case []string:
		return typed
	case []any:
		var out []string
		for _, item := range typed {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if trimmed := strings.TrimSpace(typed); trimmed != "" {
			return []string{trimmed}
		}
	}
	return nil
}

// intArg parses an integer-ish argument, returning fallback on missing or
// invalid input. JSON decoding hands numbers over as float64.
func intArg(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch value := args[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	}
	return fallback
}

// boolArg parses a boolean-ish argument, returning fallback when absent.
func boolArg(args map[string]any, key string, fallback bool) bool {
	if args == nil {
		return fallback
	}
	switch value := args[key].(type) {
	case bool:
		return value
	case string:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return fallback
}

// mapArg fetches a string map argument, flattening values with fmt.Sprint.
func mapArg(args map[string]any, key string) map[string]string {
	if args == nil {
		return nil
	}
	raw, ok := args[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
