package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/schema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMalformationSeverity(t *testing.T) {
	assert.Equal(t, "critical", malformationSeverity("possible SQL injection in trace_id", []string{"bad id"}))
	assert.Equal(t, "critical", malformationSeverity("replay attack suspected", nil))
	assert.Equal(t, "warning", malformationSeverity("no registered schema matches", nil))
	assert.Equal(t, "error", malformationSeverity("missing trace_id", []string{"missing trace_id"}))
}

func TestBuildStored_MapsExtractedColumns(t *testing.T) {
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Second)

	trace := &model.CovenantTrace{
		TraceID:        "trace-9",
		ThoughtID:      "th-9",
		TaskID:         "task-9",
		AgentIDHash:    "9135882d323cd839",
		AgentName:      "datum",
		StartedAt:      &started,
		CompletedAt:    &completed,
		Signature:      "c2ln",
		SignatureKeyID: "wa-2025-06-14-ROOT00",
		PublicSample:   true,
	}

	parsed := &schema.ParsedTrace{
		Trace:         trace,
		SchemaVersion: "1.9.3",
		Columns: map[string]any{
			"domain":                "medical",
			"csdma_plausibility":    0.91,
			"idma_result":           []byte(`{"k_eff":3.2}`),
			"selected_action":       "SPEAK",
			"conscience_passed":     true,
			"entropy_level":         0.12,
			"tokens_total":          int64(2048),
			"audit_sequence_number": int64(41),
			"audit_entry_hash":      "abc123",
			"thought_depth":         int64(2),
			"task_description":      "ignored, only used for trace typing",
		},
	}

	in := &Ingestor{logger: discardLogger()}
	stored := in.buildStored(trace, parsed, []byte(`{"trace_id":"trace-9"}`), "digest", 22, "full")

	assert.Equal(t, "trace-9", stored.TraceID)
	assert.Equal(t, completed, stored.Timestamp, "completed_at wins as the row timestamp")
	assert.Equal(t, "1.9.3", stored.SchemaVersion)
	assert.Equal(t, "medical", stored.Domain)
	require.NotNil(t, stored.CSDMAPlausibility)
	assert.Equal(t, 0.91, *stored.CSDMAPlausibility)
	assert.Equal(t, json.RawMessage(`{"k_eff":3.2}`), stored.IDMAResult)
	require.NotNil(t, stored.SelectedAction)
	assert.Equal(t, "SPEAK", *stored.SelectedAction)
	require.NotNil(t, stored.ConsciencePassed)
	assert.True(t, *stored.ConsciencePassed)
	require.NotNil(t, stored.TokensTotal)
	assert.Equal(t, int64(2048), *stored.TokensTotal)
	require.NotNil(t, stored.AuditSequence)
	assert.Equal(t, int64(41), *stored.AuditSequence)
	require.NotNil(t, stored.ThoughtDepth)
	assert.Equal(t, 2, *stored.ThoughtDepth)
	assert.Equal(t, "digest", stored.PayloadSHA256)
	assert.Equal(t, "full", stored.TraceLevel)
	assert.True(t, stored.PublicSample)
	assert.False(t, stored.SignatureVerified, "verification is decided by the caller")
}

func TestBuildStored_AgentNameFromSnapshotWhenEnvelopeOmitsIt(t *testing.T) {
	trace := &model.CovenantTrace{TraceID: "t1", Signature: "s"}
	parsed := &schema.ParsedTrace{
		Trace:         trace,
		SchemaVersion: "1.9.3",
		Columns:       map[string]any{"agent_name": "datum"},
	}

	in := &Ingestor{logger: discardLogger()}
	stored := in.buildStored(trace, parsed, nil, "d", 0, "")
	assert.Equal(t, "datum", stored.AgentName)
}

func TestComponentsMessage_MissingComponents(t *testing.T) {
	_, err := componentsMessage(map[string]any{"trace_id": "t"})
	assert.Error(t, err)
}
