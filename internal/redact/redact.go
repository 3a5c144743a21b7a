// Package redact scrubs credentials out of strings before they reach logs, stream events or
// HTTP bodies.
package redact

import (
	"regexp"
	"strings"
)

var (
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// key=value and key: value forms seen in upstream error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key|x-goog-api-key|access[_-]?token)\b\s*[:=]\s*[^\s"'&]+`)

	// ?key=... as used by the Gemini REST endpoint.
	queryKeyRe = regexp.MustCompile(`([?&])(key|access_token)=[^\s"'&]+`)

	// Google API keys have a fixed prefix.
	googleKeyRe = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)
)

// Secrets removes obvious secret-bearing substrings. Safe to call on any message.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := bearerTokenRe.ReplaceAllString(s, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = queryKeyRe.ReplaceAllString(out, "${1}${2}=<redacted>")
	out = googleKeyRe.ReplaceAllString(out, "<redacted_key>")
	return strings.TrimSpace(out)
}

// Error is Secrets applied to err.Error(). A nil error yields "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Secrets(err.Error())
}
