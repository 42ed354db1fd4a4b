// Package redact strips secrets such as access tokens and API keys from
// text and structured values before they are logged or posted to a room.
//
// Redaction is a last line of defence. It matches literal values and key
// names only; call sites should still avoid logging secrets at all.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// minSecretLen guards against masking common short substrings.
const minSecretLen = 4

// sensitiveWords mark a key as holding a secret.
var sensitiveWords = []string{"password", "passwd", "token", "secret", "key", "credential", "auth"}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than four characters are ignored.
//
//	safe := redact.String(errText, accessToken, apiKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m in which non-empty string values under a
// sensitive-looking key are replaced by [REDACTED].
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && IsSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// IsSensitiveKey reports whether a key name suggests it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range sensitiveWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
