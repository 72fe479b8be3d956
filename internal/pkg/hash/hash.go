// Package hash derives stable identifiers and cache validators from content.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SHA256 returns the hex SHA-256 of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Short returns the first n hex characters of SHA256(data).
func SHA256Short(data []byte, n int) string {
	return SHA256(data)[:min(n, sha256.Size*2)]
}

// ETag returns a strong entity tag for the JSON encoding of v. Map keys are
// sorted by encoding/json, so equal values always produce the same tag.
func ETag(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return `"` + SHA256Short(data, 32) + `"`, nil
}

// MatchesIfNoneMatch reports whether an If-None-Match header value selects
// etag. The header may list several tags, use weak W/ prefixes, or be "*".
func MatchesIfNoneMatch(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" || etag == "" {
		return false
	}
	if header == "*" {
		return true
	}
	want := strings.TrimPrefix(etag, "W/")
	for candidate := range strings.SplitSeq(header, ",") {
		if strings.TrimPrefix(strings.TrimSpace(candidate), "W/") == want {
			return true
		}
	}
	return false
}
