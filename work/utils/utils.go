package utils

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/blake2b"

	"scenestream-proxy/work/config"
)

// LogURL returns either a credential-scrubbed or a fully obfuscated version
// of a URL for logging, depending on configuration. Access tokens are never
// written to the log in either mode.
func LogURL(cfg *config.Config, raw string) string {
	if cfg.ObfuscateUrls {
		return ObfuscateURL(raw)
	}
	return ScrubURL(raw)
}

// ScrubURL removes the apikey query parameter from a URL so the value can
// be logged. The match is case-insensitive since upstream servers vary the
// casing of the parameter.
func ScrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***UNPARSEABLE***"
	}
	q := u.Query()
	for key := range q {
		if strings.EqualFold(key, "apikey") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ObfuscateURL masks the path and query of a URL, keeping only scheme and host.
//
// Example:
//
//	Input:  "http://example.com/scene/42/stream?apikey=abc"
//	Output: "http://example.com/***?***"
func ObfuscateURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}

// TokenDigest returns a short stable digest of an access token, suitable
// for correlating log lines without ever exposing the token itself.
func TokenDigest(token string) string {
	if token == "" {
		return "none"
	}
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}

// FormatBytes renders a byte count in a human readable unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
