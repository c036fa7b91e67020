package lens

import "testing"

func TestRedactMessageCredentials(t *testing.T) {
	cases := []struct{ in, want string }{
		{
			"auth failed: Bearer eyJhbGciOiJFZERTQSJ9.payload.sig rejected",
			"auth failed: Bearer [REDACTED] rejected",
		},
		{
			"auth failed for token service:wa-2025-06-14:s3cr3tSuffix99",
			"auth failed for token service:[REDACTED]",
		},
		{
			"retrying with token=svc_AbC123-_x9",
			"retrying with token=[REDACTED]",
		},
	}
	for _, tc := range cases {
		if got := redactMessage(tc.in); got != tc.want {
			t.Errorf("redactMessage(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactMessageCleanTextUntouched(t *testing.T) {
	msg := "flushed 250 records in 41ms"
	if got := redactMessage(msg); got != msg {
		t.Errorf("clean message was altered: %q", got)
	}
}
