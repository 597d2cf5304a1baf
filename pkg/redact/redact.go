// Package redact masks credential-like values in job payloads before they are persisted.
package redact

import "strings"

// Marker replaces every redacted value.
const Marker = "[REDACTED]"

var sensitiveFragments = []string{"password", "token", "secret", "key", "authorization"}

// IsSensitiveKey reports whether the lowercase form of key contains a sensitive fragment.
func IsSensitiveKey(key string) bool {
	lowered := strings.ToLower(key)
	for _, fragment := range sensitiveFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}

// Value returns a copy of a map payload with sensitive top-level values
// replaced by Marker. Nested maps are copied as-is and not scanned.
// Anything that is not a string-keyed map is returned unchanged.
func Value(v any) any {
	switch payload := v.(type) {
	case map[string]any:
		return Map(payload)
	case map[string]string:
		out := make(map[string]string, len(payload))
		for key, value := range payload {
			if IsSensitiveKey(key) {
				value = Marker
			}
			out[key] = value
		}
		return out
	default:
		return v
	}
}

// Map redacts the top-level keys of payload. A nil map stays nil.
func Map(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if IsSensitiveKey(key) {
			out[key] = Marker
			continue
		}
		out[key] = value
	}
	return out
}
