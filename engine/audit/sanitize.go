package audit

import "strings"

// RedactedMarker replaces values of secret-shaped keys in audit details.
const RedactedMarker = "[REDACTED]"

var sensitiveKeyParts = []string{"password", "token", "secret", "key", "credential"}

func isSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of details with every secret-shaped key replaced
// by the redaction marker, descending into nested maps and slices.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return Sanitize(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}
