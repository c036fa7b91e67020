package storage

import (
	"context"
	"fmt"
	"time"
)

// DomainAgentStat is one agent's aggregate for a metric within a domain,
// used for cross-agent divergence detection.
type DomainAgentStat struct {
	Domain      string
	AgentName   string
	AgentIDHash string
	Mean        float64
	TraceCount  int64
}

// metricColumns whitelists the covenant_traces columns analyzers may
// aggregate. Analyzer metric names come from config, never from requests,
// but the guard keeps raw identifiers out of SQL regardless.
var metricColumns = map[string]bool{
	"entropy_level":      true,
	"coherence_level":    true,
	"csdma_plausibility": true,
	"dsdma_alignment":    true,
	"idma_k_eff":         true,
}

func metricColumn(metric string) (string, error) {
	if !metricColumns[metric] {
		return "", fmt.Errorf("storage: unknown analysis metric %q", metric)
	}
	return metric, nil
}

// DivergenceStats returns per-agent means for one metric grouped by domain.
// Agents with fewer than minTraces rows in the window are excluded.
func (db *DB) DivergenceStats(ctx context.Context, metric string, window time.Duration, minTraces int) ([]DomainAgentStat, error) {
	col, err := metricColumn(metric)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `
		SELECT COALESCE(domain, 'general'), agent_name, MIN(agent_id_hash),
		       AVG(`+col+`), COUNT(*)
		FROM covenant_traces
		WHERE timestamp >= now() - $1::interval
		  AND `+col+` IS NOT NULL
		  AND signature_verified = true
		  AND agent_name <> ''
		GROUP BY 1, 2
		HAVING COUNT(*) >= $2`,
		window.String(), minTraces)
	if err != nil {
		return nil, fmt.Errorf("storage: divergence stats: %w", err)
	}
	defer rows.Close()

	var out []DomainAgentStat
	for rows.Next() {
		var s DomainAgentStat
		if err := rows.Scan(&s.Domain, &s.AgentName, &s.AgentIDHash, &s.Mean, &s.TraceCount); err != nil {
			return nil, fmt.Errorf("storage: scan divergence stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ConsistencyStat aggregates one agent's behavior within a trace type.
type ConsistencyStat struct {
	AgentName       string
	AgentIDHash     string
	TraceType       string
	DistinctActions int64
	CSDMAStdDev     float64
	TraceCount      int64
}

// ConsistencyStats groups each agent's traces by purpose and measures action
// spread and plausibility variance. High spread within a single purpose
// suggests the agent is not the agent it was.
func (db *DB) ConsistencyStats(ctx context.Context, window time.Duration, minTraces int) ([]ConsistencyStat, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT agent_name, MIN(agent_id_hash), COALESCE(trace_type, 'STANDARD'),
		       COUNT(DISTINCT selected_action),
		       COALESCE(STDDEV_SAMP(csdma_plausibility), 0),
		       COUNT(*)
		FROM covenant_traces
		WHERE timestamp >= now() - $1::interval
		  AND selected_action IS NOT NULL
		  AND agent_name <> ''
		GROUP BY agent_name, 3
		HAVING COUNT(*) >= $2`,
		window.String(), minTraces)
	if err != nil {
		return nil, fmt.Errorf("storage: consistency stats: %w", err)
	}
	defer rows.Close()

	var out []ConsistencyStat
	for rows.Next() {
		var s ConsistencyStat
		if err := rows.Scan(&s.AgentName, &s.AgentIDHash, &s.TraceType,
			&s.DistinctActions, &s.CSDMAStdDev, &s.TraceCount); err != nil {
			return nil, fmt.Errorf("storage: scan consistency stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HashChainBreak is one discontinuity in an agent's audit sequence.
type HashChainBreak struct {
	AgentName   string
	AgentIDHash string
	PrevSeq     int64
	Seq         int64
	TraceID     string
	Timestamp   time.Time
}

// HashChainBreaks scans each agent's audit sequence numbers and reports
// every step that is not exactly +1, including a chain that does not start
// at 1 (a truncated head is as suspect as a gap). The chain is computed over
// the agent's full history so window boundaries cannot hide a gap; only
// breaks whose breaking trace falls inside the window are reported. A
// reported PrevSeq of 0 means the break is at the head of the chain.
func (db *DB) HashChainBreaks(ctx context.Context, window time.Duration) ([]HashChainBreak, error) {
	rows, err := db.pool.Query(ctx, `
		WITH chain AS (
		    SELECT agent_name, agent_id_hash, trace_id, timestamp,
		           audit_sequence_number AS seq,
		           LAG(audit_sequence_number) OVER (
		               PARTITION BY agent_name ORDER BY audit_sequence_number
		           ) AS prev_seq
		    FROM covenant_traces
		    WHERE audit_sequence_number IS NOT NULL
		      AND agent_name <> ''
		)
		SELECT agent_name, agent_id_hash, COALESCE(prev_seq, 0), seq, trace_id, timestamp
		FROM chain
		WHERE timestamp >= now() - $1::interval
		  AND ((prev_seq IS NOT NULL AND seq - prev_seq <> 1)
		    OR (prev_seq IS NULL AND seq <> 1))
		ORDER BY agent_name, seq`,
		window.String())
	if err != nil {
		return nil, fmt.Errorf("storage: hash chain breaks: %w", err)
	}
	defer rows.Close()

	var out []HashChainBreak
	for rows.Next() {
		var b HashChainBreak
		if err := rows.Scan(&b.AgentName, &b.AgentIDHash, &b.PrevSeq, &b.Seq, &b.TraceID, &b.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan hash chain break: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// DailyMean is one agent's per-day mean for a metric, for temporal drift
// detection.
type DailyMean struct {
	AgentName   string
	AgentIDHash string
	Day         time.Time
	Mean        float64
	TraceCount  int64
}

// DailyMeans returns per-agent daily means for one metric over the window,
// ordered by agent then day. Days with fewer than minPerDay traces are
// excluded so a single noisy trace cannot fake a drift.
func (db *DB) DailyMeans(ctx context.Context, metric string, window time.Duration, minPerDay int) ([]DailyMean, error) {
	col, err := metricColumn(metric)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx, `
		SELECT agent_name, MIN(agent_id_hash),
		       time_bucket('1 day', timestamp) AS day,
		       AVG(`+col+`), COUNT(*)
		FROM covenant_traces
		WHERE timestamp >= now() - $1::interval
		  AND `+col+` IS NOT NULL
		  AND agent_name <> ''
		GROUP BY agent_name, day
		HAVING COUNT(*) >= $2
		ORDER BY agent_name, day`,
		window.String(), minPerDay)
	if err != nil {
		return nil, fmt.Errorf("storage: daily means: %w", err)
	}
	defer rows.Close()

	var out []DailyMean
	for rows.Next() {
		var s DailyMean
		if err := rows.Scan(&s.AgentName, &s.AgentIDHash, &s.Day, &s.Mean, &s.TraceCount); err != nil {
			return nil, fmt.Errorf("storage: scan daily mean: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// OverrideStat is one (agent, domain) conscience override aggregate.
type OverrideStat struct {
	AgentName   string
	AgentIDHash string
	Domain      string
	Overrides   int64
	Total       int64
}

// OverrideStats aggregates conscience override counts per (agent, domain)
// over the window. Pairs below minTraces are excluded; the caller derives
// the domain baseline from the returned rows.
func (db *DB) OverrideStats(ctx context.Context, window time.Duration, minTraces int) ([]OverrideStat, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT agent_name, MIN(agent_id_hash), COALESCE(domain, 'general'),
		       COUNT(*) FILTER (WHERE action_was_overridden),
		       COUNT(*)
		FROM covenant_traces
		WHERE timestamp >= now() - $1::interval
		  AND action_was_overridden IS NOT NULL
		  AND agent_name <> ''
		GROUP BY agent_name, 3
		HAVING COUNT(*) >= $2`,
		window.String(), minTraces)
	if err != nil {
		return nil, fmt.Errorf("storage: override stats: %w", err)
	}
	defer rows.Close()

	var out []OverrideStat
	for rows.Next() {
		var s OverrideStat
		if err := rows.Scan(&s.AgentName, &s.AgentIDHash, &s.Domain, &s.Overrides, &s.Total); err != nil {
			return nil, fmt.Errorf("storage: scan override stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// EvidenceTraceIDs returns up to limit recent trace IDs for an agent, used to
// attach evidence to alerts without embedding trace content.
func (db *DB) EvidenceTraceIDs(ctx context.Context, agentName string, window time.Duration, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := db.pool.Query(ctx, `
		SELECT trace_id FROM covenant_traces
		WHERE agent_name = $1 AND timestamp >= now() - $2::interval
		ORDER BY timestamp DESC LIMIT $3`,
		agentName, window.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: evidence trace ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan evidence trace id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
