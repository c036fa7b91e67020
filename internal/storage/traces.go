package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// traceColumns is the full covenant_traces column list, kept in one place so
// COPY, INSERT, and SELECT stay in sync.
var traceColumns = []string{
	"trace_id", "timestamp", "agent_id_hash", "agent_name", "schema_version",
	"trace_type", "task_id", "thought_id", "domain",
	"thought_type", "thought_depth", "cognitive_state",
	"csdma_plausibility", "dsdma_alignment", "idma_k_eff", "idma_fragility_flag",
	"idma_result", "epistemic_data", "models_used",
	"selected_action", "action_rationale",
	"conscience_passed", "action_was_overridden", "entropy_level", "coherence_level",
	"entropy_passed", "coherence_passed", "optimization_veto_passed",
	"epistemic_humility_passed", "has_positive_moment",
	"action_success", "tokens_total", "cost_cents", "carbon_grams", "energy_mwh",
	"audit_sequence_number", "audit_entry_hash", "audit_signature",
	"signature_key_id", "signature", "signature_verified", "payload_sha256",
	"public_sample", "partner_access", "trace_level", "raw_trace",
	"ingested_at", "started_at", "completed_at",
}

func traceValues(t model.StoredTrace) []any {
	return []any{
		t.TraceID, t.Timestamp, t.AgentIDHash, t.AgentName, t.SchemaVersion,
		t.TraceType, t.TaskID, t.ThoughtID, t.Domain,
		t.ThoughtType, t.ThoughtDepth, t.CognitiveState,
		t.CSDMAPlausibility, t.DSDMAAlignment, t.IDMAKEff, t.IDMAFragility,
		t.IDMAResult, t.EpistemicData, t.ModelsUsed,
		t.SelectedAction, t.ActionRationale,
		t.ConsciencePassed, t.ActionOverridden, t.EntropyLevel, t.CoherenceLevel,
		t.EntropyPassed, t.CoherencePassed, t.OptVetoPassed,
		t.HumilityPassed, t.HasPositiveMoment,
		t.ActionSuccess, t.TokensTotal, t.CostCents, t.CarbonGrams, t.EnergyMWh,
		t.AuditSequence, t.AuditEntryHash, t.AuditSignature,
		t.SignatureKeyID, t.Signature, t.SignatureVerified, t.PayloadSHA256,
		t.PublicSample, t.PartnerAccess, t.TraceLevel, t.RawTrace,
		t.IngestedAt, t.StartedAt, t.CompletedAt,
	}
}

func scanTrace(row pgx.Row) (model.StoredTrace, error) {
	var t model.StoredTrace
	err := row.Scan(
		&t.TraceID, &t.Timestamp, &t.AgentIDHash, &t.AgentName, &t.SchemaVersion,
		&t.TraceType, &t.TaskID, &t.ThoughtID, &t.Domain,
		&t.ThoughtType, &t.ThoughtDepth, &t.CognitiveState,
		&t.CSDMAPlausibility, &t.DSDMAAlignment, &t.IDMAKEff, &t.IDMAFragility,
		&t.IDMAResult, &t.EpistemicData, &t.ModelsUsed,
		&t.SelectedAction, &t.ActionRationale,
		&t.ConsciencePassed, &t.ActionOverridden, &t.EntropyLevel, &t.CoherenceLevel,
		&t.EntropyPassed, &t.CoherencePassed, &t.OptVetoPassed,
		&t.HumilityPassed, &t.HasPositiveMoment,
		&t.ActionSuccess, &t.TokensTotal, &t.CostCents, &t.CarbonGrams, &t.EnergyMWh,
		&t.AuditSequence, &t.AuditEntryHash, &t.AuditSignature,
		&t.SignatureKeyID, &t.Signature, &t.SignatureVerified, &t.PayloadSHA256,
		&t.PublicSample, &t.PartnerAccess, &t.TraceLevel, &t.RawTrace,
		&t.IngestedAt, &t.StartedAt, &t.CompletedAt,
	)
	return t, err
}

var traceSelect = func() string {
	cols := ""
	for i, c := range traceColumns {
		if i > 0 {
			cols += ", "
		}
		cols += c
	}
	return "SELECT " + cols + " FROM covenant_traces"
}()

// InsertTraces bulk-inserts traces with duplicate safety. Rows land in a temp
// table via COPY and move to covenant_traces with ON CONFLICT DO NOTHING on
// (trace_id, timestamp), so a replayed batch is absorbed silently. Returns
// the number of rows actually inserted (duplicates excluded).
//
// Concurrent flushes (buffer drain plus spool replay) can land in the same
// hypertable chunk and deadlock, so transient conflicts are retried.
func (db *DB) InsertTraces(ctx context.Context, traces []model.StoredTrace) (int64, error) {
	if len(traces) == 0 {
		return 0, nil
	}
	var inserted int64
	err := WithRetry(ctx, 2, 100*time.Millisecond, func() error {
		n, err := db.insertTracesOnce(ctx, traces)
		inserted = n
		return err
	})
	return inserted, err
}

func (db *DB) insertTracesOnce(ctx context.Context, traces []model.StoredTrace) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin trace insert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _ingest_traces (LIKE covenant_traces INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create ingest temp table: %w", err)
	}

	rows := make([][]any, len(traces))
	for i, t := range traces {
		rows[i] = traceValues(t)
	}

	// Dedicated 30s COPY timeout prevents a hung Postgres from blocking the
	// buffer flush indefinitely.
	copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
	_, err = tx.CopyFrom(copyCtx, pgx.Identifier{"_ingest_traces"}, traceColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, fmt.Errorf("storage: copy traces: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO covenant_traces SELECT * FROM _ingest_traces
		 ON CONFLICT (trace_id, timestamp) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert from ingest temp table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit trace insert: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTrace retrieves a single trace by ID. Returns ErrNotFound if absent.
func (db *DB) GetTrace(ctx context.Context, traceID string) (model.StoredTrace, error) {
	t, err := scanTrace(db.pool.QueryRow(ctx, traceSelect+` WHERE trace_id = $1 ORDER BY timestamp DESC LIMIT 1`, traceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StoredTrace{}, ErrNotFound
	}
	if err != nil {
		return model.StoredTrace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return t, nil
}

// TraceFilter narrows ListTraces. Zero values mean "no constraint", except
// Limit which defaults to 100 and caps at 1000.
type TraceFilter struct {
	AgentName  string
	Domain     string
	TraceType  string
	Since      *time.Time
	Until      *time.Time
	PublicOnly bool
	// AgentScope restricts results to the listed agent_id_hash values
	// (partner tier). Nil means unrestricted; empty means "none of mine".
	AgentScope []string
	// PartnerIDs additionally admits rows whose partner_access array overlaps
	// the caller's partner IDs.
	PartnerIDs []string
	// IncludeSampled additionally admits public_sample rows regardless of
	// scope (partner tier sees the public sample too).
	IncludeSampled bool
	Limit          int
	Offset         int
}

// ListTraces returns traces matching the filter, newest first.
func (db *DB) ListTraces(ctx context.Context, f TraceFilter) ([]model.StoredTrace, error) {
	q := traceSelect + ` WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AgentName != "" {
		q += ` AND agent_name = ` + arg(f.AgentName)
	}
	if f.Domain != "" {
		q += ` AND domain = ` + arg(f.Domain)
	}
	if f.TraceType != "" {
		q += ` AND trace_type = ` + arg(f.TraceType)
	}
	if f.Since != nil {
		q += ` AND timestamp >= ` + arg(*f.Since)
	}
	if f.Until != nil {
		q += ` AND timestamp < ` + arg(*f.Until)
	}
	if f.PublicOnly {
		q += ` AND public_sample = true`
	}
	if f.AgentScope != nil || f.PartnerIDs != nil {
		scope := ` AND (agent_id_hash = ANY(` + arg(append([]string{}, f.AgentScope...)) + `)`
		if f.PartnerIDs != nil {
			scope += ` OR partner_access && ` + arg(f.PartnerIDs)
		}
		if f.IncludeSampled {
			scope += ` OR public_sample = true`
		}
		q += scope + `)`
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	q += ` ORDER BY timestamp DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(max(f.Offset, 0))

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var out []model.StoredTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TraceStatistics is the aggregate shape behind GET /covenant/statistics.
type TraceStatistics struct {
	TotalTraces     int64            `json:"total_traces"`
	VerifiedTraces  int64            `json:"verified_traces"`
	PublicSamples   int64            `json:"public_samples"`
	MalformedTraces int64            `json:"malformed_traces"`
	AgentCount      int64            `json:"agent_count"`
	ByAgent         map[string]int64 `json:"by_agent"`
	BySchemaVersion map[string]int64 `json:"by_schema_version"`
	ByTraceType     map[string]int64 `json:"by_trace_type"`
	OldestTrace     *time.Time       `json:"oldest_trace,omitempty"`
	NewestTrace     *time.Time       `json:"newest_trace,omitempty"`
}

// GetTraceStatistics computes corpus-level aggregates. When publicOnly is set
// the aggregates cover only the public sample.
func (db *DB) GetTraceStatistics(ctx context.Context, publicOnly bool) (TraceStatistics, error) {
	stats := TraceStatistics{
		ByAgent:         map[string]int64{},
		BySchemaVersion: map[string]int64{},
		ByTraceType:     map[string]int64{},
	}

	where := ""
	if publicOnly {
		where = " WHERE public_sample = true"
	}

	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE signature_verified),
		       COUNT(*) FILTER (WHERE public_sample),
		       COUNT(DISTINCT agent_name),
		       MIN(timestamp), MAX(timestamp)
		FROM covenant_traces`+where,
	).Scan(&stats.TotalTraces, &stats.VerifiedTraces, &stats.PublicSamples,
		&stats.AgentCount, &stats.OldestTrace, &stats.NewestTrace)
	if err != nil {
		return stats, fmt.Errorf("storage: trace statistics totals: %w", err)
	}

	for _, dim := range []struct {
		column string
		dest   map[string]int64
	}{
		{"agent_name", stats.ByAgent},
		{"schema_version", stats.BySchemaVersion},
		{"trace_type", stats.ByTraceType},
	} {
		rows, err := db.pool.Query(ctx,
			`SELECT COALESCE(`+dim.column+`, ''), COUNT(*) FROM covenant_traces`+where+` GROUP BY 1`)
		if err != nil {
			return stats, fmt.Errorf("storage: trace statistics by %s: %w", dim.column, err)
		}
		for rows.Next() {
			var k string
			var n int64
			if err := rows.Scan(&k, &n); err != nil {
				rows.Close()
				return stats, fmt.Errorf("storage: scan trace statistic: %w", err)
			}
			if k != "" {
				dim.dest[k] = n
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return stats, err
		}
	}

	if !publicOnly {
		if err := db.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM malformed_traces`).Scan(&stats.MalformedTraces); err != nil {
			return stats, fmt.Errorf("storage: trace statistics malformed: %w", err)
		}
	}
	return stats, nil
}

// UnverifiedTracesForKey returns traces whose signature could not be checked
// at ingest and that reference the given key. The reverification worker calls
// this after a key registration.
func (db *DB) UnverifiedTracesForKey(ctx context.Context, keyID string, limit int) ([]model.StoredTrace, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		traceSelect+` WHERE signature_verified = false AND signature_key_id = $1
		 ORDER BY timestamp ASC LIMIT $2`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: unverified traces for key: %w", err)
	}
	defer rows.Close()

	var out []model.StoredTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan unverified trace: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkTracesVerified flips signature_verified for the given trace IDs.
func (db *DB) MarkTracesVerified(ctx context.Context, traceIDs []string) (int64, error) {
	if len(traceIDs) == 0 {
		return 0, nil
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE covenant_traces SET signature_verified = true WHERE trace_id = ANY($1)`, traceIDs)
	if err != nil {
		return 0, fmt.Errorf("storage: mark traces verified: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertMalformedTrace records metadata about a rejected payload. Only the
// digest, size, and structural facts are stored, never the payload body.
func (db *DB) InsertMalformedTrace(ctx context.Context, rec model.MalformedTraceRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO malformed_traces (
		    record_id, timestamp, trace_id, source_ip, detected_event_types,
		    validation_errors, validation_warnings, payload_sha256,
		    payload_size_bytes, component_count, has_signature, signature_key_id,
		    claimed_thought_id, claimed_task_id, rejection_reason, severity
		 ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.RecordID, rec.Timestamp, rec.TraceID, rec.SourceIP, rec.DetectedEventTypes,
		rec.ValidationErrors, rec.ValidationWarnings, rec.PayloadSHA256,
		rec.PayloadSizeBytes, rec.ComponentCount, rec.HasSignature, rec.SignatureKeyID,
		rec.ClaimedThoughtID, rec.ClaimedTaskID, rec.RejectionReason, rec.Severity,
	)
	if err != nil {
		return fmt.Errorf("storage: insert malformed trace: %w", err)
	}
	return nil
}

// ListMalformedTraces returns recent rejection records, newest first.
func (db *DB) ListMalformedTraces(ctx context.Context, since time.Time, limit int) ([]model.MalformedTraceRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT record_id, timestamp, trace_id, source_ip, detected_event_types,
		        validation_errors, validation_warnings, payload_sha256,
		        payload_size_bytes, component_count, has_signature, signature_key_id,
		        claimed_thought_id, claimed_task_id, rejection_reason, severity
		 FROM malformed_traces WHERE timestamp >= $1
		 ORDER BY timestamp DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list malformed traces: %w", err)
	}
	defer rows.Close()

	var out []model.MalformedTraceRecord
	for rows.Next() {
		var r model.MalformedTraceRecord
		if err := rows.Scan(
			&r.RecordID, &r.Timestamp, &r.TraceID, &r.SourceIP, &r.DetectedEventTypes,
			&r.ValidationErrors, &r.ValidationWarnings, &r.PayloadSHA256,
			&r.PayloadSizeBytes, &r.ComponentCount, &r.HasSignature, &r.SignatureKeyID,
			&r.ClaimedThoughtID, &r.ClaimedTaskID, &r.RejectionReason, &r.Severity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan malformed trace: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
