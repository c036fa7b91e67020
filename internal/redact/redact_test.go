package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessage_Credentials(t *testing.T) {
	cases := []struct{ in, want string }{
		{
			"auth failed: Bearer eyJhbGciOiJFZERTQSJ9.payload.sig rejected",
			"auth failed: Bearer [REDACTED] rejected",
		},
		{
			"retrying with token=svc_AbC123-_x9",
			"retrying with token=[REDACTED]",
		},
		{
			"config dump: password=hunter2 secret=s3cr3t! api_key=ak_99",
			"config dump: password=[REDACTED] secret=[REDACTED] api_key=[REDACTED]",
		},
		{
			"auth failed for token service:wa-2025-06-14:s3cr3tSuffix99",
			"auth failed for token service:[REDACTED]",
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Message(tc.in))
	}
}

func TestMessage_PII(t *testing.T) {
	assert.Equal(t, "contact [EMAIL] about the outage",
		Message("contact ops@example.com about the outage"))
	assert.Equal(t, "card [CARD] declined",
		Message("card 4111 1111 1111 1111 declined"))
	assert.Equal(t, "card [CARD] declined",
		Message("card 4111-1111-1111-1111 declined"))
	assert.Equal(t, "ssn [SSN] on file",
		Message("ssn 123-45-6789 on file"))
}

func TestMessage_CleanTextUntouched(t *testing.T) {
	msg := "flushed 250 traces in 41ms (chunk 2024-01-01)"
	assert.Equal(t, msg, Message(msg))
}

func TestUserID(t *testing.T) {
	h := UserID("discord:123456789")
	assert.Len(t, h, 16)
	assert.Equal(t, h, UserID("discord:123456789"))
	assert.NotEqual(t, h, UserID("discord:987654321"))
	assert.Empty(t, UserID(""))
}
