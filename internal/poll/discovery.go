package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Discovery polls registered agent-manager instances for their status and
// agent registry, keeping discovered_agents current.
type Discovery struct {
	db     *storage.DB
	logger *slog.Logger
	http   *http.Client
}

// NewDiscovery builds the manager discovery collector.
func NewDiscovery(db *storage.DB, logger *slog.Logger) *Discovery {
	return &Discovery{
		db:     db,
		logger: logger,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Run blocks until ctx is canceled. The manager list is re-read from the
// store every cycle so additions and removals apply without a restart.
func (d *Discovery) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := d.Pass(ctx); err != nil {
			d.logger.Error("manager discovery pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass collects from every enabled manager once.
func (d *Discovery) Pass(ctx context.Context) error {
	managers, err := d.db.ListEnabledManagers(ctx)
	if err != nil {
		return err
	}
	for _, m := range managers {
		if err := d.collectManager(ctx, m); err != nil {
			d.logger.Warn("manager collection failed", "manager", m.Name, "error", err)
			if markErr := d.db.MarkManagerError(ctx, m.ManagerID, err.Error()); markErr != nil {
				d.logger.Error("failed to mark manager error", "manager", m.Name, "error", markErr)
			}
		}
	}
	return nil
}

func (d *Discovery) collectManager(ctx context.Context, m model.Manager) error {
	status, err := d.getJSON(ctx, m, "/status")
	if err != nil {
		return fmt.Errorf("poll: manager status: %w", err)
	}

	agentsPayload, err := d.getJSONArray(ctx, m, "/agents")
	if err != nil {
		return fmt.Errorf("poll: manager agents: %w", err)
	}

	now := time.Now().UTC()
	agents := make([]model.DiscoveredAgent, 0, len(agentsPayload))
	for _, a := range agentsPayload {
		raw := asMap(a)
		agent := model.DiscoveredAgent{
			ManagerID:      m.ManagerID,
			AgentID:        stringField(raw, "agent_id"),
			AgentName:      stringField(raw, "agent_name"),
			Status:         stringField(raw, "status"),
			CognitiveState: stringField(raw, "cognitive_state"),
			Version:        stringField(raw, "version"),
			Codename:       stringField(raw, "codename"),
			Health:         stringField(raw, "health"),
			Template:       stringField(raw, "template"),
			Deployment:     stringField(raw, "deployment"),
			LastSeen:       now,
			Raw:            raw,
		}
		if port, ok := asFloat(raw["api_port"]); ok {
			p := int(port)
			agent.APIPort = &p
		}
		if agent.AgentID == "" {
			continue
		}
		agents = append(agents, agent)
	}

	if err := d.db.InsertManagerTelemetry(ctx, m.ManagerID, status, len(agents)); err != nil {
		return err
	}
	if err := d.db.UpsertDiscoveredAgents(ctx, agents); err != nil {
		return err
	}
	return d.db.MarkManagerSeen(ctx, m.ManagerID)
}

func (d *Discovery) getJSON(ctx context.Context, m model.Manager, path string) (map[string]any, error) {
	body, err := d.get(ctx, m, path)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}

func (d *Discovery) getJSONArray(ctx context.Context, m model.Manager, path string) ([]any, error) {
	body, err := d.get(ctx, m, path)
	if err != nil {
		return nil, err
	}
	// Managers return either a bare array or {"agents": [...]}.
	var arr []any
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, nil
	}
	var wrapped map[string]any
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return asSlice(wrapped["agents"]), nil
}

func (d *Discovery) get(ctx context.Context, m model.Manager, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if m.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.AuthToken)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
