// Package model defines the core domain types for CIRISLens.
//
// Types correspond directly to database tables and wire payloads. Strong
// typing (time.Time, enums) everywhere a shape is stable; raw component
// data stays map[string]any because trace schemas evolve faster than the
// collector and extraction is table-driven, not type-driven.
package model

import (
	"encoding/json"
	"time"
)

// Component event types shared across trace schema versions.
const (
	EventThoughtStart       = "THOUGHT_START"
	EventSnapshotAndContext = "SNAPSHOT_AND_CONTEXT"
	EventDMAResults         = "DMA_RESULTS"
	EventASPDMAResult       = "ASPDMA_RESULT"
	EventTSASPDMAResult     = "TSASPDMA_RESULT"
	EventIDMAResult         = "IDMA_RESULT"
	EventConscienceResult   = "CONSCIENCE_RESULT"
	EventActionResult       = "ACTION_RESULT"
	EventConnectivity       = "CONNECTIVITY"
)

// TraceComponent is one stage of the reasoning pipeline inside a covenant
// trace. Data is kept as decoded JSON; field extraction rules decide what
// becomes a column.
type TraceComponent struct {
	EventType string         `json:"event_type"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data"`
}

// CovenantTrace is the wire shape of one signed agent "thought".
type CovenantTrace struct {
	TraceID        string           `json:"trace_id"`
	ThoughtID      string           `json:"thought_id,omitempty"`
	TaskID         string           `json:"task_id,omitempty"`
	AgentIDHash    string           `json:"agent_id_hash,omitempty"`
	AgentName      string           `json:"agent_name,omitempty"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	Components     []TraceComponent `json:"components"`
	Signature      string           `json:"signature,omitempty"`
	SignatureKeyID string           `json:"signature_key_id,omitempty"`
	TraceLevel     string           `json:"trace_level,omitempty"`
	PublicSample   bool             `json:"public_sample,omitempty"`
}

// TraceEvent wraps one trace in a batch envelope.
type TraceEvent struct {
	EventType string          `json:"event_type"` // "complete_trace" or "connectivity"
	Trace     json.RawMessage `json:"trace"`
}

// EventsRequest is the ingest batch envelope.
type EventsRequest struct {
	Events           []TraceEvent `json:"events"`
	BatchTimestamp   *time.Time   `json:"batch_timestamp,omitempty"`
	ConsentTimestamp *time.Time   `json:"consent_timestamp,omitempty"`
	TraceLevel       string       `json:"trace_level,omitempty"`
}

// EventsResponse reports per-batch ingest results. Status is "ok" when every
// trace was accepted, "partial" otherwise.
type EventsResponse struct {
	Status         string   `json:"status"`
	Received       int      `json:"received"`
	Accepted       int      `json:"accepted"`
	Rejected       int      `json:"rejected"`
	RejectedTraces []string `json:"rejected_trace_ids"`
	Errors         []string `json:"errors"`
}

// StoredTrace is one row of the covenant_traces hypertable: the preserved
// raw blob plus the denormalized scalars extracted at ingest.
type StoredTrace struct {
	TraceID           string          `json:"trace_id"`
	Timestamp         time.Time       `json:"timestamp"`
	AgentIDHash       string          `json:"agent_id_hash"`
	AgentName         string          `json:"agent_name"`
	SchemaVersion     string          `json:"schema_version"`
	TraceType         string          `json:"trace_type,omitempty"`
	TaskID            string          `json:"task_id,omitempty"`
	ThoughtID         string          `json:"thought_id,omitempty"`
	Domain            string          `json:"domain,omitempty"`
	ThoughtType       *string         `json:"thought_type,omitempty"`
	ThoughtDepth      *int            `json:"thought_depth,omitempty"`
	CognitiveState    *string         `json:"cognitive_state,omitempty"`
	CSDMAPlausibility *float64        `json:"csdma_plausibility,omitempty"`
	DSDMAAlignment    *float64        `json:"dsdma_alignment,omitempty"`
	IDMAKEff          *float64        `json:"idma_k_eff,omitempty"`
	IDMAFragility     *bool           `json:"idma_fragility_flag,omitempty"`
	IDMAResult        json.RawMessage `json:"idma_result,omitempty"`
	EpistemicData     json.RawMessage `json:"epistemic_data,omitempty"`
	ModelsUsed        json.RawMessage `json:"models_used,omitempty"`
	SelectedAction    *string         `json:"selected_action,omitempty"`
	ActionRationale   *string         `json:"action_rationale,omitempty"`
	ConsciencePassed  *bool           `json:"conscience_passed,omitempty"`
	ActionOverridden  *bool           `json:"action_was_overridden,omitempty"`
	EntropyLevel      *float64        `json:"entropy_level,omitempty"`
	CoherenceLevel    *float64        `json:"coherence_level,omitempty"`
	EntropyPassed     *bool           `json:"entropy_passed,omitempty"`
	CoherencePassed   *bool           `json:"coherence_passed,omitempty"`
	OptVetoPassed     *bool           `json:"optimization_veto_passed,omitempty"`
	HumilityPassed    *bool           `json:"epistemic_humility_passed,omitempty"`
	HasPositiveMoment *bool           `json:"has_positive_moment,omitempty"`
	ActionSuccess     *bool           `json:"action_success,omitempty"`
	TokensTotal       *int64          `json:"tokens_total,omitempty"`
	CostCents         *float64        `json:"cost_cents,omitempty"`
	CarbonGrams       *float64        `json:"carbon_grams,omitempty"`
	EnergyMWh         *float64        `json:"energy_mwh,omitempty"`
	AuditSequence     *int64          `json:"audit_sequence_number,omitempty"`
	AuditEntryHash    *string         `json:"audit_entry_hash,omitempty"`
	AuditSignature    *string         `json:"audit_signature,omitempty"`
	SignatureKeyID    string          `json:"signature_key_id,omitempty"`
	Signature         string          `json:"signature,omitempty"`
	SignatureVerified bool            `json:"signature_verified"`
	PayloadSHA256     string          `json:"payload_sha256,omitempty"`
	PublicSample      bool            `json:"public_sample"`
	PartnerAccess     []string        `json:"partner_access,omitempty"`
	TraceLevel        string          `json:"trace_level,omitempty"`
	RawTrace          []byte          `json:"-"`
	IngestedAt        time.Time       `json:"ingested_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// Trace purposes derived from task identity keywords. Traces serving one of
// these purposes carry distinct coherence expectations downstream.
const (
	TraceTypeVerifyIdentity       = "VERIFY_IDENTITY"
	TraceTypeValidateIntegrity    = "VALIDATE_INTEGRITY"
	TraceTypeEvaluateResilience   = "EVALUATE_RESILIENCE"
	TraceTypeAcceptIncompleteness = "ACCEPT_INCOMPLETENESS"
	TraceTypeExpressGratitude     = "EXPRESS_GRATITUDE"
	TraceTypeStandard             = "STANDARD"
)

// MalformedTraceRecord is metadata-only evidence of a rejected ingest.
// The payload body itself is never persisted anywhere.
type MalformedTraceRecord struct {
	RecordID           string    `json:"record_id"`
	Timestamp          time.Time `json:"timestamp"`
	TraceID            *string   `json:"trace_id,omitempty"`
	SourceIP           *string   `json:"source_ip,omitempty"`
	DetectedEventTypes []string  `json:"detected_event_types"`
	ValidationErrors   []string  `json:"validation_errors"`
	ValidationWarnings []string  `json:"validation_warnings"`
	PayloadSHA256      string    `json:"payload_sha256"`
	PayloadSizeBytes   int       `json:"payload_size_bytes"`
	ComponentCount     int       `json:"component_count"`
	HasSignature       bool      `json:"has_signature"`
	SignatureKeyID     *string   `json:"signature_key_id,omitempty"`
	ClaimedThoughtID   *string   `json:"claimed_thought_id,omitempty"`
	ClaimedTaskID      *string   `json:"claimed_task_id,omitempty"`
	RejectionReason    string    `json:"rejection_reason"`
	Severity           string    `json:"severity"` // warning, error, critical
}
