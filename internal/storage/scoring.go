package storage

import (
	"context"
	"fmt"
	"time"
)

// nonExemptActions lists the action types whose traces carry ethical faculty
// evaluations. Exempt actions (OBSERVE, PONDER, DEFER, ...) leave those
// fields null and are skipped by the factor queries. Both the bare and the
// enum-prefixed form appear in the wild.
var nonExemptActions = []string{
	"SPEAK", "TOOL", "MEMORIZE", "FORGET",
	"HandlerActionType.SPEAK", "HandlerActionType.TOOL",
	"HandlerActionType.MEMORIZE", "HandlerActionType.FORGET",
}

// benchmarkFilter excludes benchmark/test traffic from capacity scoring.
// Benchmark traces are tagged inside their idma_result JSON.
const benchmarkFilter = ` AND (idma_result IS NULL OR idma_result::text NOT ILIKE '%benchmark%')`

// ScoringCounts is the window-level trace census for one agent.
type ScoringCounts struct {
	Total     int64
	NonExempt int64
}

// GetScoringCounts counts total and non-exempt traces for an agent window.
func (db *DB) GetScoringCounts(ctx context.Context, agent string, start, end time.Time) (ScoringCounts, error) {
	var c ScoringCounts
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE selected_action = ANY($4))
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3`+benchmarkFilter,
		agent, start, end, nonExemptActions,
	).Scan(&c.Total, &c.NonExempt)
	if err != nil {
		return c, fmt.Errorf("storage: scoring counts: %w", err)
	}
	return c, nil
}

// IdentityStats feeds the core identity factor: name stability and the
// conscience contradiction rate over non-exempt actions.
type IdentityStats struct {
	Total         int64
	OverrideCount int64
	DistinctNames int64
}

func (db *DB) GetIdentityStats(ctx context.Context, agent string, start, end time.Time) (IdentityStats, error) {
	var s IdentityStats
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE action_was_overridden),
		       COUNT(DISTINCT agent_name)
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		  AND selected_action = ANY($4)`+benchmarkFilter,
		agent, start, end, nonExemptActions,
	).Scan(&s.Total, &s.OverrideCount, &s.DistinctNames)
	if err != nil {
		return s, fmt.Errorf("storage: identity stats: %w", err)
	}
	return s, nil
}

// IntegrityStats feeds the integrity factor: verification rate and average
// field coverage across all traces in the window.
type IntegrityStats struct {
	Total         int64
	VerifiedCount int64
	SignedCount   int64
	AvgCoverage   float64
}

func (db *DB) GetIntegrityStats(ctx context.Context, agent string, start, end time.Time) (IntegrityStats, error) {
	var s IntegrityStats
	var coverage *float64
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE signature_verified),
		       COUNT(*) FILTER (WHERE signature IS NOT NULL),
		       AVG(
		           ((thought_id IS NOT NULL)::int +
		            (csdma_plausibility IS NOT NULL)::int +
		            (dsdma_alignment IS NOT NULL)::int +
		            (idma_k_eff IS NOT NULL)::int +
		            (conscience_passed IS NOT NULL)::int +
		            (coherence_level IS NOT NULL)::int +
		            (entropy_level IS NOT NULL)::int +
		            (selected_action IS NOT NULL)::int +
		            (action_success IS NOT NULL)::int +
		            (signature IS NOT NULL)::int
		           )::float / 10
		       )
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3`+benchmarkFilter,
		agent, start, end,
	).Scan(&s.Total, &s.VerifiedCount, &s.SignedCount, &coverage)
	if err != nil {
		return s, fmt.Errorf("storage: integrity stats: %w", err)
	}
	if coverage != nil {
		s.AvgCoverage = *coverage
	}
	return s, nil
}

// ResilienceBaseline holds the plausibility baseline for drift comparison.
type ResilienceBaseline struct {
	MeanCSDMA   *float64
	StdDevCSDMA *float64
}

func (db *DB) GetResilienceBaseline(ctx context.Context, agent string, start, end time.Time) (ResilienceBaseline, error) {
	var b ResilienceBaseline
	err := db.pool.QueryRow(ctx, `
		SELECT AVG(csdma_plausibility), STDDEV(csdma_plausibility)
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		  AND selected_action = ANY($4)`+benchmarkFilter,
		agent, start, end, nonExemptActions,
	).Scan(&b.MeanCSDMA, &b.StdDevCSDMA)
	if err != nil {
		return b, fmt.Errorf("storage: resilience baseline: %w", err)
	}
	return b, nil
}

// ResilienceRecent holds the recent-window plausibility mean and fragility
// flag count.
type ResilienceRecent struct {
	Total          int64
	MeanCSDMA      *float64
	FragilityCount int64
}

func (db *DB) GetResilienceRecent(ctx context.Context, agent string, start, end time.Time) (ResilienceRecent, error) {
	var r ResilienceRecent
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       AVG(csdma_plausibility),
		       COUNT(*) FILTER (WHERE idma_fragility_flag)
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		  AND selected_action = ANY($4)`+benchmarkFilter,
		agent, start, end, nonExemptActions,
	).Scan(&r.Total, &r.MeanCSDMA, &r.FragilityCount)
	if err != nil {
		return r, fmt.Errorf("storage: resilience recent: %w", err)
	}
	return r, nil
}

// CalibrationStats feeds the incompleteness factor: expected calibration
// error over decile confidence buckets plus the unsafe action rate.
type CalibrationStats struct {
	ECE           *float64
	BucketedTotal int64
	Total         int64
	UnsafeCount   int64
}

func (db *DB) GetCalibrationStats(ctx context.Context, agent string, start, end time.Time) (CalibrationStats, error) {
	var s CalibrationStats
	err := db.pool.QueryRow(ctx, `
		WITH calibration_buckets AS (
		    SELECT FLOOR(csdma_plausibility * 10) / 10 AS confidence_bucket,
		           AVG(action_success::int::float) AS actual_success,
		           AVG(csdma_plausibility) AS avg_confidence,
		           COUNT(*) AS bucket_count
		    FROM covenant_traces
		    WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		      AND csdma_plausibility IS NOT NULL
		      AND action_success IS NOT NULL
		      AND selected_action = ANY($4)`+benchmarkFilter+`
		    GROUP BY 1
		)
		SELECT SUM(bucket_count * ABS(avg_confidence - actual_success)) / NULLIF(SUM(bucket_count), 0),
		       COALESCE(SUM(bucket_count), 0)
		FROM calibration_buckets`,
		agent, start, end, nonExemptActions,
	).Scan(&s.ECE, &s.BucketedTotal)
	if err != nil {
		return s, fmt.Errorf("storage: calibration stats: %w", err)
	}

	err = db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE entropy_level > 0.5 AND action_success = false)
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		  AND selected_action = ANY($4)`+benchmarkFilter,
		agent, start, end, nonExemptActions,
	).Scan(&s.Total, &s.UnsafeCount)
	if err != nil {
		return s, fmt.Errorf("storage: unsafe action stats: %w", err)
	}
	return s, nil
}

// CoherenceStats feeds the sustained coherence factor: the decay-weighted
// coherence pass rate over the extended window.
type CoherenceStats struct {
	Total            int64
	DecayedCoherence *float64
	RawCoherenceRate *float64
}

// GetCoherenceStats computes the coherence pass signal weighted by
// exp(-decayRate * age_days) relative to the window end.
func (db *DB) GetCoherenceStats(ctx context.Context, agent string, start, end time.Time, decayRate float64) (CoherenceStats, error) {
	var s CoherenceStats
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       AVG(coherence_passed::int::float
		           * EXP(-($4::float8) * EXTRACT(EPOCH FROM ($3::timestamptz - timestamp)) / 86400.0)),
		       AVG(coherence_passed::int::float)
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		  AND selected_action = ANY($5)`+benchmarkFilter,
		agent, start, end, decayRate, nonExemptActions,
	).Scan(&s.Total, &s.DecayedCoherence, &s.RawCoherenceRate)
	if err != nil {
		return s, fmt.Errorf("storage: coherence stats: %w", err)
	}
	return s, nil
}

// EnhancementStats counts positive moments and full-faculty passes in the
// scoring window.
type EnhancementStats struct {
	Total             int64
	PositiveMoments   int64
	FullFacultyPasses int64
	FacultyEvaluated  int64
}

func (db *DB) GetEnhancementStats(ctx context.Context, agent string, start, end time.Time) (EnhancementStats, error) {
	var s EnhancementStats
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE has_positive_moment),
		       COUNT(*) FILTER (WHERE entropy_passed AND coherence_passed
		                          AND optimization_veto_passed AND epistemic_humility_passed),
		       COUNT(*) FILTER (WHERE entropy_passed IS NOT NULL AND coherence_passed IS NOT NULL
		                          AND optimization_veto_passed IS NOT NULL
		                          AND epistemic_humility_passed IS NOT NULL)
		FROM covenant_traces
		WHERE agent_name = $1 AND timestamp BETWEEN $2 AND $3
		  AND selected_action = ANY($4)`+benchmarkFilter,
		agent, start, end, nonExemptActions,
	).Scan(&s.Total, &s.PositiveMoments, &s.FullFacultyPasses, &s.FacultyEvaluated)
	if err != nil {
		return s, fmt.Errorf("storage: enhancement stats: %w", err)
	}
	return s, nil
}

// ActiveAgents lists agents with any non-benchmark traces in the window.
func (db *DB) ActiveAgents(ctx context.Context, start, end time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT DISTINCT agent_name FROM covenant_traces
		WHERE timestamp BETWEEN $1 AND $2 AND agent_name <> ''`+benchmarkFilter+`
		ORDER BY agent_name`,
		start, end)
	if err != nil {
		return nil, fmt.Errorf("storage: active agents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan active agent: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
