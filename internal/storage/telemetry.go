package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// InsertAgentMetrics upserts flattened OTLP metric data points. A repeated
// poll of the same window updates values in place; the uniqueness key is
// (agent_name, metric_name, timestamp, labels).
func (db *DB) InsertAgentMetrics(ctx context.Context, metrics []model.AgentMetric) (int64, error) {
	var stored int64
	for _, m := range metrics {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO agent_metrics (agent_name, metric_name, value, labels, timestamp)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (agent_name, metric_name, timestamp, labels)
			 DO UPDATE SET value = EXCLUDED.value`,
			m.AgentName, m.MetricName, m.Value, m.Labels, m.Timestamp,
		)
		if err != nil {
			return stored, fmt.Errorf("storage: insert agent metric %s/%s: %w", m.AgentName, m.MetricName, err)
		}
		stored += tag.RowsAffected()
	}
	return stored, nil
}

// InsertAgentSpans inserts flattened OTLP spans, skipping duplicates. The
// conflict target includes start_time because hypertable unique indexes
// must cover the partitioning column.
func (db *DB) InsertAgentSpans(ctx context.Context, spans []model.AgentSpan) (int64, error) {
	var stored int64
	for _, s := range spans {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO agent_traces (agent_name, trace_id, span_id, parent_span_id,
			    operation_name, start_time, end_time, attributes, events, status)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			 ON CONFLICT (trace_id, span_id, start_time) DO NOTHING`,
			s.AgentName, s.TraceID, s.SpanID, nullIfEmpty(s.ParentSpanID),
			s.Operation, s.StartTime, s.EndTime, s.Attributes, s.Events, s.Status,
		)
		if err != nil {
			return stored, fmt.Errorf("storage: insert agent span %s/%s: %w", s.TraceID, s.SpanID, err)
		}
		stored += tag.RowsAffected()
	}
	return stored, nil
}

// InsertAgentLogs appends flattened OTLP log records.
func (db *DB) InsertAgentLogs(ctx context.Context, logs []model.AgentLog) (int64, error) {
	var stored int64
	for _, l := range logs {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO agent_logs (agent_name, timestamp, severity, message,
			    trace_id, span_id, attributes)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			l.AgentName, l.Timestamp, l.Severity, l.Message,
			nullIfEmpty(l.TraceID), nullIfEmpty(l.SpanID), l.Attributes,
		)
		if err != nil {
			return stored, fmt.Errorf("storage: insert agent log for %s: %w", l.AgentName, err)
		}
		stored += tag.RowsAffected()
	}
	return stored, nil
}

// RecordCollectionError keeps a bounded audit of failed polls per source.
func (db *DB) RecordCollectionError(ctx context.Context, sourceName, errorType, message string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO collection_errors (source_name, error_type, error_message, timestamp)
		 VALUES ($1, $2, $3, now())`,
		sourceName, errorType, message,
	)
	if err != nil {
		return fmt.Errorf("storage: record collection error: %w", err)
	}
	return nil
}

// CollectionErrorCounts returns error counts per source since the cutoff.
func (db *DB) CollectionErrorCounts(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT source_name, COUNT(*) FROM collection_errors
		 WHERE timestamp >= $1 GROUP BY source_name`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: collection error counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("storage: scan collection error count: %w", err)
		}
		out[name] = n
	}
	return out, rows.Err()
}
