package poll

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodePayload(t *testing.T, raw string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestFlattenMetrics_GaugeSumAndHistogram(t *testing.T) {
	payload := decodePayload(t, `{
	  "resourceMetrics": [{
	    "scopeMetrics": [{
	      "metrics": [
	        {"name": "llm.tokens.total", "sum": {"dataPoints": [
	          {"asInt": "2048", "timeUnixNano": "1754050000000000000",
	           "attributes": [{"key": "model", "value": {"stringValue": "gpt"}},
	                          {"key": "cached", "value": {"boolValue": true}},
	                          {"key": "attempt", "value": {"intValue": "2"}}]}
	        ]}},
	        {"name": "thought.depth", "gauge": {"dataPoints": [
	          {"asDouble": 1.5, "timeUnixNano": "1754050001000000000"}
	        ]}},
	        {"name": "handler.latency", "histogram": {"dataPoints": [
	          {"asDouble": 0.25, "timeUnixNano": "1754050002000000000"},
	          {"timeUnixNano": "1754050003000000000"}
	        ]}}
	      ]
	    }]
	  }]
	}`)

	rows := FlattenMetrics("datum", payload)
	require.Len(t, rows, 3, "points without a value are skipped")

	assert.Equal(t, "llm.tokens.total", rows[0].MetricName)
	assert.Equal(t, 2048.0, rows[0].Value)
	assert.Equal(t, map[string]string{"model": "gpt", "cached": "true", "attempt": "2"}, rows[0].Labels)
	assert.Equal(t, time.Unix(0, 1754050000000000000).UTC(), rows[0].Timestamp)

	assert.Equal(t, "thought.depth", rows[1].MetricName)
	assert.Equal(t, 1.5, rows[1].Value)
	assert.Empty(t, rows[1].Labels)

	assert.Equal(t, "handler.latency", rows[2].MetricName)
}

func TestFlattenMetrics_EmptyPayload(t *testing.T) {
	assert.Empty(t, FlattenMetrics("datum", map[string]any{}))
	assert.Empty(t, FlattenMetrics("datum", decodePayload(t, `{"resourceMetrics": []}`)))
}

func TestFlattenSpans(t *testing.T) {
	payload := decodePayload(t, `{
	  "resourceSpans": [{
	    "scopeSpans": [{
	      "spans": [
	        {"traceId": "0af7651916cd43dd8448eb211c80319c", "spanId": "b7ad6b7169203331",
	         "parentSpanId": "00f067aa0ba902b7", "name": "handle_thought",
	         "startTimeUnixNano": "1754050000000000000", "endTimeUnixNano": "1754050000500000000",
	         "attributes": [{"key": "handler", "value": {"stringValue": "speak"}}],
	         "status": {"code": "STATUS_CODE_ERROR"}},
	        {"spanId": "missing-trace-id"}
	      ]
	    }]
	  }]
	}`)

	spans := FlattenSpans("datum", payload)
	require.Len(t, spans, 1, "spans without ids are skipped")

	s := spans[0]
	assert.Equal(t, "datum", s.AgentName)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", s.TraceID)
	assert.Equal(t, "b7ad6b7169203331", s.SpanID)
	assert.Equal(t, "00f067aa0ba902b7", s.ParentSpanID)
	assert.Equal(t, "handle_thought", s.Operation)
	assert.Equal(t, "STATUS_CODE_ERROR", s.Status)
	assert.Equal(t, 500*time.Millisecond, s.EndTime.Sub(s.StartTime))
	assert.Len(t, s.Attributes, 1)
}

func TestFlattenSpans_DefaultStatusOK(t *testing.T) {
	payload := decodePayload(t, `{
	  "resourceSpans": [{"scopeSpans": [{"spans": [
	    {"traceId": "t", "spanId": "s", "name": "op",
	     "startTimeUnixNano": "1", "endTimeUnixNano": "2"}
	  ]}]}]
	}`)

	spans := FlattenSpans("datum", payload)
	require.Len(t, spans, 1)
	assert.Equal(t, "OK", spans[0].Status)
}

func TestFlattenLogs_SeverityMapping(t *testing.T) {
	payload := decodePayload(t, `{
	  "resourceLogs": [{
	    "scopeLogs": [{
	      "logRecords": [
	        {"severityNumber": 5,  "timeUnixNano": "1754050000000000000",
	         "body": {"stringValue": "verbose detail"}},
	        {"severityNumber": 17, "timeUnixNano": "1754050001000000000",
	         "body": {"stringValue": "handler failed"},
	         "traceId": "0af7651916cd43dd8448eb211c80319c", "spanId": "b7ad6b7169203331"},
	        {"timeUnixNano": "1754050002000000000", "body": {"stringValue": "no severity"}}
	      ]
	    }]
	  }]
	}`)

	logs := FlattenLogs("datum", payload)
	require.Len(t, logs, 3)

	assert.Equal(t, "DEBUG", logs[0].Severity)
	assert.Equal(t, "verbose detail", logs[0].Message)

	assert.Equal(t, "ERROR", logs[1].Severity)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", logs[1].TraceID)

	assert.Equal(t, "INFO", logs[2].Severity, "missing severityNumber defaults to INFO")
}

func TestJitterBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}
