package lens

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// The server redacts every shipped message again on ingest; running the
// same rules here keeps raw identifiers off the wire entirely.

type redactRule struct {
	re          *regexp.Regexp
	replacement string
}

// Ordering matters: credential patterns run before the email rule so a
// token containing an @ is labeled a credential, not an address, and the
// service-token rule runs before the Bearer rule so a "Bearer service:x"
// value is caught whole, internal colons included.
var redactRules = []redactRule{
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

// redactMessage removes credentials and PII from a log message.
func redactMessage(msg string) string {
	for _, r := range redactRules {
		msg = r.re.ReplaceAllString(msg, r.replacement)
	}
	return msg
}

// hashUserID reduces a user identifier to a short stable hash so the raw
// value never leaves the process.
func hashUserID(userID string) string {
	if userID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:])[:16]
}
