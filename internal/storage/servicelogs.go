package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// CreateServiceToken stores a new service token (hash only). One active token
// per service name; re-creating replaces the hash and re-enables the token.
func (db *DB) CreateServiceToken(ctx context.Context, t model.ServiceToken) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO service_tokens (service_name, token_hash, description, created_by, enabled)
		 VALUES ($1, $2, $3, $4, true)
		 ON CONFLICT (service_name) DO UPDATE
		 SET token_hash = EXCLUDED.token_hash,
		     description = EXCLUDED.description,
		     created_by = EXCLUDED.created_by,
		     created_at = now(),
		     enabled = true`,
		t.ServiceName, t.TokenHash, nullIfEmpty(t.Description), nullIfEmpty(t.CreatedBy),
	)
	if err != nil {
		return fmt.Errorf("storage: create service token: %w", err)
	}
	return nil
}

// GetServiceTokenByHash resolves a token hash to its service. Disabled tokens
// behave as absent. Returns ErrNotFound when no enabled token matches.
func (db *DB) GetServiceTokenByHash(ctx context.Context, tokenHash string) (model.ServiceToken, error) {
	var t model.ServiceToken
	err := db.pool.QueryRow(ctx,
		`SELECT service_name, token_hash, COALESCE(description, ''), created_at,
		        COALESCE(created_by, ''), last_used_at, enabled
		 FROM service_tokens WHERE token_hash = $1 AND enabled`, tokenHash,
	).Scan(&t.ServiceName, &t.TokenHash, &t.Description, &t.CreatedAt,
		&t.CreatedBy, &t.LastUsedAt, &t.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ServiceToken{}, ErrNotFound
	}
	if err != nil {
		return model.ServiceToken{}, fmt.Errorf("storage: get service token: %w", err)
	}
	return t, nil
}

// TouchServiceToken bumps last_used_at. Called at most once per cache window,
// not per request.
func (db *DB) TouchServiceToken(ctx context.Context, serviceName string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE service_tokens SET last_used_at = now() WHERE service_name = $1`, serviceName)
	if err != nil {
		return fmt.Errorf("storage: touch service token: %w", err)
	}
	return nil
}

// RevokeServiceToken disables a token. The row is kept for audit.
func (db *DB) RevokeServiceToken(ctx context.Context, serviceName string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE service_tokens SET enabled = false WHERE service_name = $1 AND enabled`, serviceName)
	if err != nil {
		return false, fmt.Errorf("storage: revoke service token: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListServiceTokens returns token metadata for the admin surface. Hashes are
// included in the struct but json-suppressed at the API layer.
func (db *DB) ListServiceTokens(ctx context.Context) ([]model.ServiceToken, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT service_name, token_hash, COALESCE(description, ''), created_at,
		        COALESCE(created_by, ''), last_used_at, enabled
		 FROM service_tokens ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list service tokens: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceToken
	for rows.Next() {
		var t model.ServiceToken
		if err := rows.Scan(&t.ServiceName, &t.TokenHash, &t.Description, &t.CreatedAt,
			&t.CreatedBy, &t.LastUsedAt, &t.Enabled); err != nil {
			return nil, fmt.Errorf("storage: scan service token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertServiceLogs bulk-inserts shipped (already redacted) log lines via COPY.
func (db *DB) InsertServiceLogs(ctx context.Context, logs []model.ServiceLogRecord) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}
	columns := []string{"service_name", "server_id", "timestamp", "level", "event",
		"logger", "message", "request_id", "trace_id", "user_hash", "attributes"}
	rows := make([][]any, len(logs))
	for i, l := range logs {
		rows[i] = []any{
			l.ServiceName, nullIfEmpty(l.ServerID), l.Timestamp, l.Level, nullIfEmpty(l.Event),
			nullIfEmpty(l.Logger), l.Message, nullIfEmpty(l.RequestID), nullIfEmpty(l.TraceID),
			nullIfEmpty(l.UserHash), l.Attributes,
		}
	}

	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"service_logs"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy service logs: %w", err)
	}
	return n, nil
}

// InsertStatusCheck appends one probe result.
func (db *DB) InsertStatusCheck(ctx context.Context, c model.StatusCheck) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO status_checks (service_name, region, timestamp, healthy, latency_ms, status_code, error)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ServiceName, c.Region, c.Timestamp, c.Healthy, c.LatencyMs, c.StatusCode, c.Error,
	)
	if err != nil {
		return fmt.Errorf("storage: insert status check: %w", err)
	}
	return nil
}

// ServiceUptimes rolls up status checks into 24h/7d/30d availability per
// service, plus the most recent health flag.
func (db *DB) ServiceUptimes(ctx context.Context) ([]model.ServiceUptime, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT service_name,
		       COALESCE(AVG(healthy::int) FILTER (WHERE timestamp >= now() - interval '24 hours'), 0) * 100,
		       COALESCE(AVG(healthy::int) FILTER (WHERE timestamp >= now() - interval '7 days'), 0) * 100,
		       COALESCE(AVG(healthy::int) FILTER (WHERE timestamp >= now() - interval '30 days'), 0) * 100,
		       AVG(latency_ms) FILTER (WHERE timestamp >= now() - interval '24 hours'),
		       (ARRAY_AGG(healthy ORDER BY timestamp DESC))[1]
		FROM status_checks
		WHERE timestamp >= now() - interval '30 days'
		GROUP BY service_name
		ORDER BY service_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: service uptimes: %w", err)
	}
	defer rows.Close()

	var out []model.ServiceUptime
	for rows.Next() {
		var u model.ServiceUptime
		if err := rows.Scan(&u.ServiceName, &u.Uptime24h, &u.Uptime7d, &u.Uptime30d,
			&u.AvgLatencyMs, &u.LastHealthy); err != nil {
			return nil, fmt.Errorf("storage: scan service uptime: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
