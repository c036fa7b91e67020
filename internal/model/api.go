package model

import (
	"fmt"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
// The array of items is in Data; Total is omitted when access-tiering
// makes the DB total unreliable (i.e., some rows were hidden by scope).
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// RegisterKeyRequest is the body for POST /covenant/public-keys.
// PublicKey is a base64-encoded 32-byte Ed25519 key.
type RegisterKeyRequest struct {
	KeyID       string     `json:"key_id"`
	PublicKey   string     `json:"public_key"`
	Algorithm   string     `json:"algorithm,omitempty"` // defaults to ed25519
	Description string     `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Validate checks the structural requirements; key bytes are validated
// separately during decoding.
func (r RegisterKeyRequest) Validate() error {
	if r.KeyID == "" {
		return fmt.Errorf("key_id is required")
	}
	if len(r.KeyID) > 200 {
		return fmt.Errorf("key_id exceeds 200 characters")
	}
	if r.PublicKey == "" {
		return fmt.Errorf("public_key is required")
	}
	if r.Algorithm != "" && r.Algorithm != "ed25519" {
		return fmt.Errorf("unsupported algorithm %q (only ed25519)", r.Algorithm)
	}
	return nil
}

// IssueTokenRequest is the body for POST /admin/tokens: mint a repository
// access JWT for a partner or downstream consumer.
type IssueTokenRequest struct {
	Subject       string   `json:"subject"`
	Tier          string   `json:"tier"`
	AgentScope    []string `json:"agent_scope,omitempty"`
	PartnerAccess []string `json:"partner_access,omitempty"`
}

// IssueTokenResponse returns the minted JWT. The token is shown once and
// never persisted server-side.
type IssueTokenResponse struct {
	Token     string    `json:"token"`
	Tier      string    `json:"tier"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateServiceTokenRequest is the body for POST /admin/service-tokens.
type CreateServiceTokenRequest struct {
	ServiceName string `json:"service_name"`
	Description string `json:"description,omitempty"`
}

// CreateServiceTokenResponse carries the raw token exactly once; afterwards
// only its SHA-256 exists server-side.
type CreateServiceTokenResponse struct {
	ServiceName string `json:"service_name"`
	Token       string `json:"token"`
}

// AcknowledgeAlertRequest is the body for PUT /coherence-ratchet/alerts/{id}/acknowledge.
type AcknowledgeAlertRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// ResolveAlertRequest is the body for PUT /coherence-ratchet/alerts/{id}/resolve.
type ResolveAlertRequest struct {
	ResolutionNote string `json:"resolution_note"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"`
	SchemaCount  int    `json:"schema_versions"`
	SignerKeys   int    `json:"signer_keys"`
	Uptime       int64  `json:"uptime_seconds"`
}

// SchemaCacheStatus reports the in-memory registry state for the admin API.
type SchemaCacheStatus struct {
	Loaded   bool     `json:"loaded"`
	Versions []string `json:"versions"`
}
