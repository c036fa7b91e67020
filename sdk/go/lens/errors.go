// Package lens provides a Go client for shipping service logs to a
// CIRISLens server. Records are batched, redacted locally, and posted as
// newline-delimited JSON to /logs/ingest under a service token.
package lens

import (
	"errors"
	"fmt"
)

// Error represents an error from the CIRISLens API with the HTTP status
// code and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("lens: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// retryable reports whether a failed send should be retried. Client errors
// other than 429 will fail the same way every time.
func retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode >= 500 || e.StatusCode == 429
	}
	// Transport errors (timeouts, refused connections) are retryable.
	return err != nil
}
