// Package security provides input validation for inbound signals and
// sanitization of client-supplied values before they reach the logs.
package security

import (
	"net/http"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// defaultLogLength caps client strings such as connection ids and contexts.
const defaultLogLength = 200

var logEscaper = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

// SanitizeForLog makes a client-supplied string safe to log: line breaks and
// tabs are escaped, other control characters dropped, and the result capped.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, defaultLogLength)
}

// SanitizeForLogWithLength is SanitizeForLog with a custom cap in runes.
func SanitizeForLogWithLength(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, logEscaper.Replace(s))

	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}

// Headers whose values never reach the logs. The websocket handshake headers
// identify a live socket; the AWS ones sign API Gateway management calls.
var sensitiveHeaders = []string{
	"authorization",
	"proxy-authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"x-amz-security-token",
	"sec-websocket-key",
	"sec-websocket-protocol",
}

var sensitiveFragments = []string{"password", "secret", "token", "credential", "auth"}

// MaskSensitiveHeaders returns a copy of headers with credential-bearing
// values replaced by [REDACTED].
func MaskSensitiveHeaders(headers http.Header) http.Header {
	masked := headers.Clone()
	for key := range masked {
		if isSensitiveHeader(key) {
			masked[key] = []string{"[REDACTED]"}
		}
	}
	return masked
}

func isSensitiveHeader(name string) bool {
	lower := strings.ToLower(name)
	return slices.Contains(sensitiveHeaders, lower) ||
		slices.ContainsFunc(sensitiveFragments, func(f string) bool { return strings.Contains(lower, f) })
}
