package tools

import "regexp"

// secretKeyRe matches argument keys whose values must never reach logs
// or span attributes.
var secretKeyRe = regexp.MustCompile(`(?i).*(password|token|secret|key|authorization).*`)

const redacted = "***"

// SanitizeArgs deep-copies an argument map, replacing the value of any
// key matching the secret pattern with "***". Nested maps and slices
// are walked; the input is never mutated.
func SanitizeArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if secretKeyRe.MatchString(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return SanitizeArgs(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
