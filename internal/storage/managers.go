package storage

import (
	"context"
	"fmt"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// ListEnabledManagers returns managers the discovery collector should poll.
func (db *DB) ListEnabledManagers(ctx context.Context) ([]model.Manager, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT manager_id, name, url, COALESCE(description, ''), COALESCE(auth_token, ''),
		        collection_interval_seconds, enabled, last_seen, last_error, added_at
		 FROM managers WHERE enabled ORDER BY manager_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list managers: %w", err)
	}
	defer rows.Close()

	var out []model.Manager
	for rows.Next() {
		var m model.Manager
		if err := rows.Scan(&m.ManagerID, &m.Name, &m.URL, &m.Description, &m.AuthToken,
			&m.IntervalSeconds, &m.Enabled, &m.LastSeen, &m.LastError, &m.AddedAt); err != nil {
			return nil, fmt.Errorf("storage: scan manager: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddManager registers a manager endpoint for discovery polling.
func (db *DB) AddManager(ctx context.Context, m model.Manager) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO managers (name, url, description, auth_token, collection_interval_seconds, enabled)
		 VALUES ($1, $2, $3, $4, $5, true)
		 RETURNING manager_id`,
		m.Name, m.URL, nullIfEmpty(m.Description), nullIfEmpty(m.AuthToken), m.IntervalSeconds,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("storage: add manager: %w", err)
	}
	return id, nil
}

// MarkManagerSeen records a successful poll and clears any sticky error.
func (db *DB) MarkManagerSeen(ctx context.Context, managerID int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE managers SET last_seen = now(), last_error = NULL WHERE manager_id = $1`, managerID)
	if err != nil {
		return fmt.Errorf("storage: mark manager seen: %w", err)
	}
	return nil
}

// MarkManagerError records a failed poll without touching last_seen.
func (db *DB) MarkManagerError(ctx context.Context, managerID int64, message string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE managers SET last_error = $2 WHERE manager_id = $1`, managerID, message)
	if err != nil {
		return fmt.Errorf("storage: mark manager error: %w", err)
	}
	return nil
}

// InsertManagerTelemetry appends one raw status snapshot from a manager.
func (db *DB) InsertManagerTelemetry(ctx context.Context, managerID int64, status map[string]any, agentCount int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO manager_telemetry (manager_id, timestamp, status, agent_count)
		 VALUES ($1, now(), $2, $3)`,
		managerID, status, agentCount,
	)
	if err != nil {
		return fmt.Errorf("storage: insert manager telemetry: %w", err)
	}
	return nil
}

// UpsertDiscoveredAgents refreshes the agent registry reported by a manager.
func (db *DB) UpsertDiscoveredAgents(ctx context.Context, agents []model.DiscoveredAgent) error {
	for _, a := range agents {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO discovered_agents (manager_id, agent_id, agent_name, status,
			    cognitive_state, version, codename, api_port, health, template,
			    deployment, last_seen, raw)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			 ON CONFLICT (manager_id, agent_id) DO UPDATE
			 SET agent_name = EXCLUDED.agent_name,
			     status = EXCLUDED.status,
			     cognitive_state = EXCLUDED.cognitive_state,
			     version = EXCLUDED.version,
			     codename = EXCLUDED.codename,
			     api_port = EXCLUDED.api_port,
			     health = EXCLUDED.health,
			     template = EXCLUDED.template,
			     deployment = EXCLUDED.deployment,
			     last_seen = EXCLUDED.last_seen,
			     raw = EXCLUDED.raw`,
			a.ManagerID, a.AgentID, a.AgentName, nullIfEmpty(a.Status),
			nullIfEmpty(a.CognitiveState), nullIfEmpty(a.Version), nullIfEmpty(a.Codename),
			a.APIPort, nullIfEmpty(a.Health), nullIfEmpty(a.Template),
			nullIfEmpty(a.Deployment), a.LastSeen, a.Raw,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert discovered agent %s: %w", a.AgentID, err)
		}
	}
	return nil
}

// ListDiscoveredAgents returns the latest known agents across all managers.
func (db *DB) ListDiscoveredAgents(ctx context.Context) ([]model.DiscoveredAgent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT manager_id, agent_id, agent_name, COALESCE(status, ''),
		        COALESCE(cognitive_state, ''), COALESCE(version, ''), COALESCE(codename, ''),
		        api_port, COALESCE(health, ''), COALESCE(template, ''),
		        COALESCE(deployment, ''), last_seen
		 FROM discovered_agents ORDER BY manager_id, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list discovered agents: %w", err)
	}
	defer rows.Close()

	var out []model.DiscoveredAgent
	for rows.Next() {
		var a model.DiscoveredAgent
		if err := rows.Scan(&a.ManagerID, &a.AgentID, &a.AgentName, &a.Status,
			&a.CognitiveState, &a.Version, &a.Codename, &a.APIPort, &a.Health,
			&a.Template, &a.Deployment, &a.LastSeen); err != nil {
			return nil, fmt.Errorf("storage: scan discovered agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
