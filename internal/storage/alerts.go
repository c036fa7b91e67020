package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

const alertColumns = `alert_id, alert_type, severity, detection_mechanism, agent_name, agent_id_hash,
	domain, metric, value, baseline, deviation, timestamp, evidence_trace_ids,
	recommended_action, status, acknowledged_at, acknowledged_by, resolved_at, resolution_note`

func scanAlert(row pgx.Row) (model.AnomalyAlert, error) {
	var a model.AnomalyAlert
	err := row.Scan(
		&a.AlertID, &a.AlertType, &a.Severity, &a.Mechanism, &a.AgentName, &a.AgentIDHash,
		&a.Domain, &a.Metric, &a.Value, &a.Baseline, &a.Deviation, &a.Timestamp,
		&a.EvidenceTraceIDs, &a.RecommendedAction, &a.Status,
		&a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.ResolutionNote,
	)
	return a, err
}

// InsertAlerts persists analyzer findings. Alert IDs are deterministic per
// (mechanism, agent, metric, period), so a re-run of the same analysis window
// is absorbed by ON CONFLICT DO NOTHING instead of duplicating alerts.
func (db *DB) InsertAlerts(ctx context.Context, alerts []model.AnomalyAlert) (int64, error) {
	var inserted int64
	for _, a := range alerts {
		tag, err := db.pool.Exec(ctx,
			`INSERT INTO coherence_alerts (
			    alert_id, alert_type, severity, detection_mechanism, agent_name,
			    agent_id_hash, domain, metric, value, baseline, deviation, timestamp,
			    evidence_trace_ids, recommended_action, status
			 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,'open')
			 ON CONFLICT (alert_id) DO NOTHING`,
			a.AlertID, a.AlertType, a.Severity, a.Mechanism, a.AgentName,
			a.AgentIDHash, a.Domain, a.Metric, a.Value, a.Baseline, a.Deviation, a.Timestamp,
			a.EvidenceTraceIDs, a.RecommendedAction,
		)
		if err != nil {
			return inserted, fmt.Errorf("storage: insert alert %s: %w", a.AlertID, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Status    model.AlertStatus
	Severity  model.AlertSeverity
	Mechanism model.DetectionMechanism
	AgentHash string
	Since     *time.Time
	Limit     int
}

// ListAlerts returns alerts matching the filter, newest first.
func (db *DB) ListAlerts(ctx context.Context, f AlertFilter) ([]model.AnomalyAlert, error) {
	q := `SELECT ` + alertColumns + ` FROM coherence_alerts WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Status != "" {
		q += ` AND status = ` + arg(string(f.Status))
	}
	if f.Severity != "" {
		q += ` AND severity = ` + arg(string(f.Severity))
	}
	if f.Mechanism != "" {
		q += ` AND detection_mechanism = ` + arg(string(f.Mechanism))
	}
	if f.AgentHash != "" {
		q += ` AND agent_id_hash = ` + arg(f.AgentHash)
	}
	if f.Since != nil {
		q += ` AND timestamp >= ` + arg(*f.Since)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY timestamp DESC LIMIT ` + arg(limit)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	defer rows.Close()

	var out []model.AnomalyAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAlert fetches one alert by ID. Returns ErrNotFound if absent.
func (db *DB) GetAlert(ctx context.Context, alertID string) (model.AnomalyAlert, error) {
	a, err := scanAlert(db.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM coherence_alerts WHERE alert_id = $1`, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AnomalyAlert{}, ErrNotFound
	}
	if err != nil {
		return model.AnomalyAlert{}, fmt.Errorf("storage: get alert: %w", err)
	}
	return a, nil
}

// AcknowledgeAlert transitions an open alert to acknowledged. Returns false
// when the alert does not exist or is not open.
func (db *DB) AcknowledgeAlert(ctx context.Context, alertID, by string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE coherence_alerts
		 SET status = 'acknowledged', acknowledged_at = now(), acknowledged_by = $2
		 WHERE alert_id = $1 AND status = 'open'`, alertID, by)
	if err != nil {
		return false, fmt.Errorf("storage: acknowledge alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResolveAlert closes an alert from either open or acknowledged state.
func (db *DB) ResolveAlert(ctx context.Context, alertID, note string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE coherence_alerts
		 SET status = 'resolved', resolved_at = now(), resolution_note = $2
		 WHERE alert_id = $1 AND status IN ('open', 'acknowledged')`, alertID, note)
	if err != nil {
		return false, fmt.Errorf("storage: resolve alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
