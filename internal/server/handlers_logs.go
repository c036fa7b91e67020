package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/redact"
)

// maxLogLineBytes bounds a single NDJSON log line.
const maxLogLineBytes = 1 << 20

// logLine is the wire shape of one shipped log record. Unknown fields land
// in Extra and are stored as attributes.
type logLine struct {
	Timestamp string         `json:"timestamp"`
	TS        string         `json:"ts"`
	Level     string         `json:"level"`
	Event     string         `json:"event"`
	Logger    string         `json:"logger"`
	Message   string         `json:"message"`
	Msg       string         `json:"msg"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	UserID    string         `json:"user_id"`
	ServerID  string         `json:"server_id"`
	Extra     map[string]any `json:"-"`
}

// HandleLogsIngest handles POST /logs/ingest: newline-delimited JSON from a
// sibling service authenticated by its service token. Every message is
// redacted and every user_id hashed before anything reaches storage.
func (h *Handlers) HandleLogsIngest(w http.ResponseWriter, r *http.Request) {
	service := ServiceFromContext(r.Context())
	if service == "" {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "service token required")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLogLineBytes)

	var (
		records  []model.ServiceLogRecord
		received int
		skipped  int
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		received++

		rec, ok := parseLogLine(line, service)
		if !ok {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unreadable body: "+err.Error())
		return
	}
	if received == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "empty body")
		return
	}

	stored, err := h.db.InsertServiceLogs(r.Context(), records)
	if err != nil {
		h.writeInternalError(w, r, "failed to store logs", err)
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":   "ok",
		"received": received,
		"stored":   stored,
		"skipped":  skipped,
	})
}

// parseLogLine converts one NDJSON line into a storable record, applying
// redaction. Returns ok=false for lines that are not JSON objects.
func parseLogLine(line []byte, service string) (model.ServiceLogRecord, bool) {
	var l logLine
	if err := json.Unmarshal(line, &l); err != nil {
		return model.ServiceLogRecord{}, false
	}
	// Second pass for attributes: everything not mapped to a column.
	var raw map[string]any
	_ = json.Unmarshal(line, &raw)
	for _, known := range []string{
		"timestamp", "ts", "level", "event", "logger", "message", "msg",
		"request_id", "trace_id", "user_id", "server_id",
	} {
		delete(raw, known)
	}

	msg := l.Message
	if msg == "" {
		msg = l.Msg
	}
	level := l.Level
	if level == "" {
		level = "info"
	}

	ts := time.Now().UTC()
	for _, v := range []string{l.Timestamp, l.TS} {
		if v == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ts = parsed
			break
		}
	}

	rec := model.ServiceLogRecord{
		ServiceName: service,
		ServerID:    l.ServerID,
		Timestamp:   ts,
		Level:       level,
		Event:       redact.Message(l.Event),
		Logger:      l.Logger,
		Message:     redact.Message(msg),
		RequestID:   l.RequestID,
		TraceID:     l.TraceID,
		UserHash:    redact.UserID(l.UserID),
	}
	if len(raw) > 0 {
		// Attribute values can carry the same secrets messages do.
		for k, v := range raw {
			if s, ok := v.(string); ok {
				raw[k] = redact.Message(s)
			}
		}
		rec.Attributes = raw
	}
	return rec, true
}

// HandleStatus handles GET /status and GET /api/v1/status: per-service
// uptime rollups plus an overall state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage not configured")
		return
	}
	uptimes, err := h.db.ServiceUptimes(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to compute status", err)
		return
	}

	overall := "operational"
	unhealthy := 0
	for _, u := range uptimes {
		if !u.LastHealthy {
			unhealthy++
		}
	}
	switch {
	case len(uptimes) > 0 && unhealthy == len(uptimes):
		overall = "down"
	case unhealthy > 0:
		overall = "degraded"
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":     overall,
		"services":   uptimes,
		"checked_at": time.Now().UTC(),
	})
}
