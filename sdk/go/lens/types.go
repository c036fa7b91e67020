package lens

import "time"

// Record is one log record on the wire. Field names match what the server's
// ingest endpoint reads; unknown attributes are stored server-side as-is.
type Record struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Event     string         `json:"event,omitempty"`
	Logger    string         `json:"logger,omitempty"`
	Message   string         `json:"msg"`
	RequestID string         `json:"request_id,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	ServerID  string         `json:"server_id,omitempty"`
	Attrs     map[string]any `json:"-"`
}

// IngestResult is the server's response to one shipped batch.
type IngestResult struct {
	Status   string `json:"status"`
	Received int    `json:"received"`
	Stored   int    `json:"stored"`
	Skipped  int    `json:"skipped"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
}
