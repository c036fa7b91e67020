package model

import "time"

// AlertSeverity grades anomaly alerts.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// DetectionMechanism names the analyzer mechanism that produced an alert.
type DetectionMechanism string

const (
	MechanismCrossAgentDivergence DetectionMechanism = "cross_agent_divergence"
	MechanismIntraAgentConsistency DetectionMechanism = "intra_agent_consistency"
	MechanismHashChain            DetectionMechanism = "hash_chain"
	MechanismTemporalDrift        DetectionMechanism = "temporal_drift"
	MechanismConscienceOverride   DetectionMechanism = "conscience_override"
)

// AlertStatus is the alert lifecycle state. The analyzer only ever creates
// open alerts; acknowledge/resolve come from the API.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// AnomalyAlert is one persisted finding of the Coherence Ratchet. Only
// Status and ResolutionNote are mutable after creation.
type AnomalyAlert struct {
	AlertID           string             `json:"alert_id"`
	AlertType         string             `json:"alert_type"`
	Severity          AlertSeverity      `json:"severity"`
	Mechanism         DetectionMechanism `json:"detection_mechanism"`
	AgentName         string             `json:"agent_name"`
	AgentIDHash       string             `json:"agent_id_hash"`
	Domain            string             `json:"domain,omitempty"`
	Metric            string             `json:"metric"`
	Value             float64            `json:"value"`
	Baseline          float64            `json:"baseline"`
	Deviation         string             `json:"deviation"`
	Timestamp         time.Time          `json:"timestamp"`
	EvidenceTraceIDs  []string           `json:"evidence_trace_ids"`
	RecommendedAction string             `json:"recommended_action,omitempty"`
	Status            AlertStatus        `json:"status"`
	AcknowledgedAt    *time.Time         `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    *string            `json:"acknowledged_by,omitempty"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
	ResolutionNote    *string            `json:"resolution_note,omitempty"`
}
