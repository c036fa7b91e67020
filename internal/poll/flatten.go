package poll

import (
	"fmt"
	"strconv"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// severityNames maps OTLP severityNumber bucket floors to level names.
var severityNames = map[int]string{
	5:  "DEBUG",
	9:  "INFO",
	13: "WARNING",
	17: "ERROR",
	21: "CRITICAL",
}

// FlattenMetrics walks an OTLP-JSON metrics payload into time-series rows.
// Gauge, sum, and histogram data points are handled; points with neither
// asDouble nor asInt are skipped.
func FlattenMetrics(agentName string, payload map[string]any) []model.AgentMetric {
	var out []model.AgentMetric
	for _, rm := range asSlice(payload["resourceMetrics"]) {
		for _, sm := range asSlice(asMap(rm)["scopeMetrics"]) {
			for _, m := range asSlice(asMap(sm)["metrics"]) {
				metric := asMap(m)
				name, _ := metric["name"].(string)
				if name == "" {
					continue
				}

				var points []any
				for _, kind := range []string{"gauge", "sum", "histogram"} {
					if container, ok := metric[kind].(map[string]any); ok {
						points = asSlice(container["dataPoints"])
						break
					}
				}

				for _, p := range points {
					point := asMap(p)
					value, ok := pointValue(point)
					if !ok {
						continue
					}
					out = append(out, model.AgentMetric{
						AgentName:  agentName,
						MetricName: name,
						Value:      value,
						Labels:     attrLabels(asSlice(point["attributes"])),
						Timestamp:  unixNano(point["timeUnixNano"]),
					})
				}
			}
		}
	}
	return out
}

// FlattenSpans walks an OTLP-JSON traces payload into span rows.
func FlattenSpans(agentName string, payload map[string]any) []model.AgentSpan {
	var out []model.AgentSpan
	for _, rs := range asSlice(payload["resourceSpans"]) {
		for _, ss := range asSlice(asMap(rs)["scopeSpans"]) {
			for _, s := range asSlice(asMap(ss)["spans"]) {
				span := asMap(s)
				traceID, _ := span["traceId"].(string)
				spanID, _ := span["spanId"].(string)
				if traceID == "" || spanID == "" {
					continue
				}
				parent, _ := span["parentSpanId"].(string)
				name, _ := span["name"].(string)

				status := "OK"
				if st, ok := span["status"].(map[string]any); ok {
					if code, ok := st["code"].(string); ok && code != "" {
						status = code
					}
				}

				out = append(out, model.AgentSpan{
					AgentName:    agentName,
					TraceID:      traceID,
					SpanID:       spanID,
					ParentSpanID: parent,
					Operation:    name,
					StartTime:    unixNano(span["startTimeUnixNano"]),
					EndTime:      unixNano(span["endTimeUnixNano"]),
					Attributes:   asSlice(span["attributes"]),
					Events:       asSlice(span["events"]),
					Status:       status,
				})
			}
		}
	}
	return out
}

// FlattenLogs walks an OTLP-JSON logs payload into log rows.
func FlattenLogs(agentName string, payload map[string]any) []model.AgentLog {
	var out []model.AgentLog
	for _, rl := range asSlice(payload["resourceLogs"]) {
		for _, sl := range asSlice(asMap(rl)["scopeLogs"]) {
			for _, r := range asSlice(asMap(sl)["logRecords"]) {
				record := asMap(r)

				severity := "INFO"
				if num, ok := asFloat(record["severityNumber"]); ok {
					if name, ok := severityNames[int(num)]; ok {
						severity = name
					}
				}

				message := ""
				if body, ok := record["body"].(map[string]any); ok {
					message, _ = body["stringValue"].(string)
				}

				traceID, _ := record["traceId"].(string)
				spanID, _ := record["spanId"].(string)

				out = append(out, model.AgentLog{
					AgentName:  agentName,
					Timestamp:  unixNano(record["timeUnixNano"]),
					Severity:   severity,
					Message:    message,
					TraceID:    traceID,
					SpanID:     spanID,
					Attributes: asSlice(record["attributes"]),
				})
			}
		}
	}
	return out
}

// pointValue extracts asDouble or asInt (which OTLP-JSON encodes as a
// string) from a data point.
func pointValue(point map[string]any) (float64, bool) {
	if v, ok := asFloat(point["asDouble"]); ok {
		return v, true
	}
	if v, ok := asFloat(point["asInt"]); ok {
		return v, true
	}
	return 0, false
}

// attrLabels converts OTLP attribute lists into flat string labels.
func attrLabels(attrs []any) map[string]string {
	labels := map[string]string{}
	for _, a := range attrs {
		attr := asMap(a)
		key, _ := attr["key"].(string)
		if key == "" {
			continue
		}
		val := asMap(attr["value"])
		switch {
		case val["stringValue"] != nil:
			labels[key], _ = val["stringValue"].(string)
		case val["intValue"] != nil:
			labels[key] = fmt.Sprintf("%v", val["intValue"])
		case val["boolValue"] != nil:
			if b, ok := val["boolValue"].(bool); ok {
				labels[key] = strconv.FormatBool(b)
			}
		}
	}
	return labels
}

// unixNano converts an OTLP timeUnixNano (string or number) to a UTC time.
func unixNano(v any) time.Time {
	f, ok := asFloat(v)
	if !ok {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(0, int64(f)).UTC()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
