// Package redact strips secrets and PII from free text before it is
// persisted. Applied to shipped log messages on ingest and mirrored by the
// log shipping SDK so raw identifiers never reach the wire.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

type rule struct {
	re          *regexp.Regexp
	replacement string
}

// Ordering matters: credential patterns run before the email rule so a
// token containing an @ is labeled a credential, not an address, and the
// service-token rule runs before the Bearer rule so a "Bearer service:x"
// value is caught whole, internal colons included.
var rules = []rule{
	{regexp.MustCompile(`service:[A-Za-z0-9\-_.:]+`), "service:[REDACTED]"},
	{regexp.MustCompile(`Bearer [A-Za-z0-9\-_.]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`token=[A-Za-z0-9\-_.]+`), "token=[REDACTED]"},
	{regexp.MustCompile(`password=\S+`), "password=[REDACTED]"},
	{regexp.MustCompile(`secret=\S+`), "secret=[REDACTED]"},
	{regexp.MustCompile(`api_key=\S+`), "api_key=[REDACTED]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "[CARD]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
}

// Message removes credentials and PII from a log message.
func Message(msg string) string {
	for _, r := range rules {
		msg = r.re.ReplaceAllString(msg, r.replacement)
	}
	return msg
}

// UserID reduces a user identifier to a short stable hash. The raw value is
// never stored; the hash still lets operators correlate one user's activity.
func UserID(userID string) string {
	if userID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}
