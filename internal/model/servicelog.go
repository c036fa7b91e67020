package model

import "time"

// ServiceLogRecord is one shipped log line from a sibling service
// (billing, proxy, manager). Messages are redacted before storage.
type ServiceLogRecord struct {
	ServiceName string         `json:"service_name"`
	ServerID    string         `json:"server_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       string         `json:"level"`
	Event       string         `json:"event,omitempty"`
	Logger      string         `json:"logger,omitempty"`
	Message     string         `json:"message"`
	RequestID   string         `json:"request_id,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	UserHash    string         `json:"user_hash,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// ServiceToken authorizes one sibling service to ship logs. Only the
// SHA-256 of the token is kept; the raw value is shown once at creation.
type ServiceToken struct {
	ServiceName string     `json:"service_name"`
	TokenHash   string     `json:"-"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// StatusCheck is one probe result against a monitored service endpoint.
type StatusCheck struct {
	ServiceName string    `json:"service_name"`
	Region      string    `json:"region"`
	Timestamp   time.Time `json:"timestamp"`
	Healthy     bool      `json:"healthy"`
	LatencyMs   *float64  `json:"latency_ms,omitempty"`
	StatusCode  *int      `json:"status_code,omitempty"`
	Error       *string   `json:"error,omitempty"`
}

// ServiceUptime is a rollup of status checks over a window.
type ServiceUptime struct {
	ServiceName  string   `json:"service_name"`
	Uptime24h    float64  `json:"uptime_24h"`
	Uptime7d     float64  `json:"uptime_7d"`
	Uptime30d    float64  `json:"uptime_30d"`
	AvgLatencyMs *float64 `json:"avg_latency_ms,omitempty"`
	LastHealthy  bool     `json:"last_healthy"`
}
