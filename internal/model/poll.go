package model

import "time"

// PollSource is one agent OTLP endpoint the fabric pulls from. Tokens are
// write-only from the admin surface and never re-emitted.
type PollSource struct {
	Name            string     `json:"name"`
	BaseURL         string     `json:"base_url"`
	Token           string     `json:"-"`
	Enabled         bool       `json:"enabled"`
	IntervalSeconds int        `json:"interval_seconds"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	CircuitState    string     `json:"circuit_state,omitempty"`
}

// Manager is a registered agent-manager instance whose registry is polled
// for agent discovery.
type Manager struct {
	ManagerID       int64      `json:"manager_id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	Description     string     `json:"description,omitempty"`
	AuthToken       string     `json:"-"`
	IntervalSeconds int        `json:"collection_interval_seconds"`
	Enabled         bool       `json:"enabled"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	AddedAt         time.Time  `json:"added_at"`
}

// DiscoveredAgent is one agent reported by a manager's registry.
type DiscoveredAgent struct {
	ManagerID      int64          `json:"manager_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	Status         string         `json:"status,omitempty"`
	CognitiveState string         `json:"cognitive_state,omitempty"`
	Version        string         `json:"version,omitempty"`
	Codename       string         `json:"codename,omitempty"`
	APIPort        *int           `json:"api_port,omitempty"`
	Health         string         `json:"health,omitempty"`
	Template       string         `json:"template,omitempty"`
	Deployment     string         `json:"deployment,omitempty"`
	LastSeen       time.Time      `json:"last_seen"`
	Raw            map[string]any `json:"-"`
}

// AgentMetric is one flattened OTLP metric data point.
type AgentMetric struct {
	AgentName  string            `json:"agent_name"`
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels"`
	Timestamp  time.Time         `json:"timestamp"`
}

// AgentSpan is one flattened OTLP trace span.
type AgentSpan struct {
	AgentName    string    `json:"agent_name"`
	TraceID      string    `json:"trace_id"`
	SpanID       string    `json:"span_id"`
	ParentSpanID string    `json:"parent_span_id,omitempty"`
	Operation    string    `json:"operation_name"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Attributes   []any     `json:"attributes"`
	Events       []any     `json:"events"`
	Status       string    `json:"status"`
}

// AgentLog is one flattened OTLP log record.
type AgentLog struct {
	AgentName  string    `json:"agent_name"`
	Timestamp  time.Time `json:"timestamp"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	TraceID    string    `json:"trace_id,omitempty"`
	SpanID     string    `json:"span_id,omitempty"`
	Attributes []any     `json:"attributes"`
}
