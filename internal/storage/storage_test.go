package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
	"github.com/CIRISAI/CIRISLens-sub000/internal/testutil"
)

// testDB is shared across all tests in this package; each test uses unique
// IDs so tests stay independent without per-test truncation.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartTimescaleDB()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// newTrace builds a minimal stored trace with a unique ID. Timestamps are
// truncated to microseconds to survive the Postgres roundtrip.
func newTrace(agentName string, ts time.Time) model.StoredTrace {
	return model.StoredTrace{
		TraceID:       "trace-" + uuid.NewString(),
		Timestamp:     ts.UTC().Truncate(time.Microsecond),
		AgentIDHash:   "hash-" + agentName,
		AgentName:     agentName,
		SchemaVersion: "1.9.3",
		TraceType:     model.TraceTypeStandard,
		RawTrace:      []byte(`{"trace_id":"x"}`),
		IngestedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestInsertTracesAndReplay(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	coherence := 0.91
	tr := newTrace("datum", now)
	tr.CoherenceLevel = &coherence
	tr.PublicSample = true
	batch := []model.StoredTrace{tr, newTrace("datum", now.Add(time.Second))}

	n, err := testDB.InsertTraces(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Replaying the same batch inserts nothing.
	n, err = testDB.InsertTraces(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	got, err := testDB.GetTrace(ctx, tr.TraceID)
	require.NoError(t, err)
	assert.Equal(t, tr.TraceID, got.TraceID)
	assert.Equal(t, "datum", got.AgentName)
	assert.Equal(t, "1.9.3", got.SchemaVersion)
	require.NotNil(t, got.CoherenceLevel)
	assert.InDelta(t, 0.91, *got.CoherenceLevel, 1e-9)
	assert.True(t, got.PublicSample)

	_, err = testDB.GetTrace(ctx, "trace-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListTracesScoping(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	mine := newTrace("scoped-mine", now)
	sampled := newTrace("scoped-other", now)
	sampled.PublicSample = true
	granted := newTrace("scoped-partnered", now)
	granted.PartnerAccess = []string{"partner-1"}
	hidden := newTrace("scoped-hidden", now)

	_, err := testDB.InsertTraces(ctx, []model.StoredTrace{mine, sampled, granted, hidden})
	require.NoError(t, err)

	// Partner view: own agents plus the public sample plus granted rows.
	got, err := testDB.ListTraces(ctx, storage.TraceFilter{
		AgentScope:     []string{mine.AgentIDHash},
		PartnerIDs:     []string{"partner-1"},
		IncludeSampled: true,
		Limit:          100,
	})
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, tr := range got {
		ids[tr.TraceID] = true
	}
	assert.True(t, ids[mine.TraceID])
	assert.True(t, ids[sampled.TraceID])
	assert.True(t, ids[granted.TraceID])
	assert.False(t, ids[hidden.TraceID])

	// Public view: sampled rows only.
	got, err = testDB.ListTraces(ctx, storage.TraceFilter{PublicOnly: true, Limit: 1000})
	require.NoError(t, err)
	for _, tr := range got {
		assert.True(t, tr.PublicSample, "public query returned unsampled trace %s", tr.TraceID)
	}

	// Agent filter.
	got, err = testDB.ListTraces(ctx, storage.TraceFilter{AgentName: "scoped-hidden", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hidden.TraceID, got[0].TraceID)
}

func TestMarkTracesVerified(t *testing.T) {
	ctx := context.Background()

	tr := newTrace("verify-me", time.Now())
	tr.SignatureKeyID = "key-verify-test"
	tr.Signature = "c2lnbmF0dXJl"
	_, err := testDB.InsertTraces(ctx, []model.StoredTrace{tr})
	require.NoError(t, err)

	pending, err := testDB.UnverifiedTracesForKey(ctx, "key-verify-test", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].SignatureVerified)

	n, err := testDB.MarkTracesVerified(ctx, []string{tr.TraceID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err = testDB.UnverifiedTracesForKey(ctx, "key-verify-test", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHashChainBreakDetection(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	// Agent names are unique per run so re-running against a reused
	// database cannot interleave two copies of the same chain.
	run := uuid.NewString()[:8]
	okAgent := "chain-ok-" + run
	gapAgent := "chain-gap-" + run
	headAgent := "chain-head-" + run

	var batch []model.StoredTrace
	add := func(agent string, seq int64, offset time.Duration) model.StoredTrace {
		tr := newTrace(agent, now.Add(offset))
		tr.AuditSequence = &seq
		batch = append(batch, tr)
		return tr
	}

	add(okAgent, 1, 0)
	add(okAgent, 2, time.Second)
	add(okAgent, 3, 2*time.Second)

	add(gapAgent, 1, 0)
	add(gapAgent, 2, time.Second)
	gapped := add(gapAgent, 5, 2*time.Second)

	headless := add(headAgent, 7, 0)
	add(headAgent, 8, time.Second)

	_, err := testDB.InsertTraces(ctx, batch)
	require.NoError(t, err)

	breaks, err := testDB.HashChainBreaks(ctx, 24*time.Hour)
	require.NoError(t, err)

	byAgent := map[string][]storage.HashChainBreak{}
	for _, b := range breaks {
		byAgent[b.AgentName] = append(byAgent[b.AgentName], b)
	}

	assert.Empty(t, byAgent["chain-ok"])

	require.Len(t, byAgent["chain-gap"], 1)
	gap := byAgent["chain-gap"][0]
	assert.Equal(t, int64(2), gap.PrevSeq)
	assert.Equal(t, int64(5), gap.Seq)
	assert.Equal(t, gapped.TraceID, gap.TraceID)

	// A chain whose first trace is not sequence 1 has lost its head; that is
	// reported as a break with PrevSeq 0.
	require.Len(t, byAgent["chain-head"], 1)
	head := byAgent["chain-head"][0]
	assert.Zero(t, head.PrevSeq)
	assert.Equal(t, int64(7), head.Seq)
	assert.Equal(t, headless.TraceID, head.TraceID)
}

func TestMalformedTraceRecords(t *testing.T) {
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	traceID := "malformed-" + uuid.NewString()
	rec := model.MalformedTraceRecord{
		RecordID:           uuid.NewString(),
		Timestamp:          time.Now().UTC().Truncate(time.Microsecond),
		TraceID:            &traceID,
		DetectedEventTypes: []string{model.EventThoughtStart},
		ValidationErrors:   []string{"missing required event ACTION_RESULT"},
		PayloadSHA256:      "0bee89b07a248e27c83fc3d5951213c1b4e3e4f1", // hash only, body discarded
		PayloadSizeBytes:   2048,
		ComponentCount:     1,
		RejectionReason:    "schema validation failed",
		Severity:           "error",
	}
	require.NoError(t, testDB.InsertMalformedTrace(ctx, rec))

	got, err := testDB.ListMalformedTraces(ctx, since, 100)
	require.NoError(t, err)
	var found *model.MalformedTraceRecord
	for i := range got {
		if got[i].RecordID == rec.RecordID {
			found = &got[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, rec.PayloadSHA256, found.PayloadSHA256)
	assert.Equal(t, 2048, found.PayloadSizeBytes)
	assert.Equal(t, []string{"missing required event ACTION_RESULT"}, found.ValidationErrors)
}

func TestServiceTokenLifecycle(t *testing.T) {
	ctx := context.Background()

	tok := model.ServiceToken{
		ServiceName: "billing-test",
		TokenHash:   "hash-" + uuid.NewString(),
		Description: "billing service shipper",
		CreatedBy:   "ops",
	}
	require.NoError(t, testDB.CreateServiceToken(ctx, tok))

	got, err := testDB.GetServiceTokenByHash(ctx, tok.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, "billing-test", got.ServiceName)
	assert.True(t, got.Enabled)

	// Re-creating the same service rotates the hash; the old one stops resolving.
	rotated := tok
	rotated.TokenHash = "hash-" + uuid.NewString()
	require.NoError(t, testDB.CreateServiceToken(ctx, rotated))
	_, err = testDB.GetServiceTokenByHash(ctx, tok.TokenHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetServiceTokenByHash(ctx, rotated.TokenHash)
	require.NoError(t, err)

	ok, err := testDB.RevokeServiceToken(ctx, "billing-test")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = testDB.GetServiceTokenByHash(ctx, rotated.TokenHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Revoking twice reports nothing changed.
	ok, err = testDB.RevokeServiceToken(ctx, "billing-test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublicKeyLifecycle(t *testing.T) {
	ctx := context.Background()

	key := model.PublicKey{
		KeyID:       "signer-" + uuid.NewString(),
		Algorithm:   "ed25519",
		PublicKey:   make([]byte, 32),
		Description: "test signer",
	}
	require.NoError(t, testDB.RegisterPublicKey(ctx, key))

	got, err := testDB.GetPublicKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey, got.PublicKey)
	assert.True(t, got.Active(time.Now()))

	ok, err := testDB.RevokePublicKey(ctx, key.KeyID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Revocation is a timestamp, not a delete: the key still lists.
	keys, err := testDB.ListPublicKeys(ctx)
	require.NoError(t, err)
	var revoked *model.PublicKey
	for i := range keys {
		if keys[i].KeyID == key.KeyID {
			revoked = &keys[i]
		}
	}
	require.NotNil(t, revoked)
	require.NotNil(t, revoked.RevokedAt)
	assert.False(t, revoked.Active(time.Now()))
}

func TestInsertServiceLogs(t *testing.T) {
	ctx := context.Background()

	logs := []model.ServiceLogRecord{
		{
			ServiceName: "proxy-test",
			Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
			Level:       "info",
			Message:     "request completed",
			RequestID:   "req-1",
			UserHash:    "ab12cd34ef56ab78",
			Attributes:  map[string]any{"status": 200},
		},
		{
			ServiceName: "proxy-test",
			Timestamp:   time.Now().UTC().Truncate(time.Microsecond),
			Level:       "error",
			Message:     "upstream timeout",
		},
	}
	n, err := testDB.InsertServiceLogs(ctx, logs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStatusChecksAndUptime(t *testing.T) {
	ctx := context.Background()

	latency := 12.5
	for i := 0; i < 3; i++ {
		healthy := i != 1
		require.NoError(t, testDB.InsertStatusCheck(ctx, model.StatusCheck{
			ServiceName: "agents-test",
			Region:      "eu",
			Timestamp:   time.Now().UTC().Add(time.Duration(-i) * time.Minute),
			Healthy:     healthy,
			LatencyMs:   &latency,
		}))
	}

	ups, err := testDB.ServiceUptimes(ctx)
	require.NoError(t, err)
	var up *model.ServiceUptime
	for i := range ups {
		if ups[i].ServiceName == "agents-test" {
			up = &ups[i]
		}
	}
	require.NotNil(t, up)
	assert.InDelta(t, 2.0/3.0*100, up.Uptime24h, 0.1)
	assert.True(t, up.LastHealthy)
}

func TestSchemaDefinitionRoundtrip(t *testing.T) {
	ctx := context.Background()

	def := model.SchemaDefinition{
		Version:             "9.9.9-test",
		Description:         "integration test schema",
		Status:              model.SchemaSupported,
		SignatureEventTypes: []string{model.EventIDMAResult},
		RequiredEventTypes:  []string{model.EventThoughtStart, model.EventActionResult},
		MatchMode:           "all",
		Fields: map[string][]model.FieldExtractionRule{
			model.EventActionResult: {{
				SchemaVersion: "9.9.9-test",
				EventType:     model.EventActionResult,
				FieldName:     "selected_action",
				JSONPath:      "selected_action",
				DataType:      model.FieldString,
				DBColumn:      "selected_action",
			}},
		},
	}
	require.NoError(t, testDB.UpsertSchemaDefinition(ctx, def))

	defs, err := testDB.LoadSchemaDefinitions(ctx)
	require.NoError(t, err)
	var got *model.SchemaDefinition
	for i := range defs {
		if defs[i].Version == "9.9.9-test" {
			got = &defs[i]
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, model.SchemaSupported, got.Status)
	assert.Equal(t, def.RequiredEventTypes, got.RequiredEventTypes)
	require.Len(t, got.Fields[model.EventActionResult], 1)
	assert.Equal(t, "selected_action", got.Fields[model.EventActionResult][0].DBColumn)

	ok, err := testDB.DeleteSchemaDefinition(ctx, "9.9.9-test")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()

	alert := model.AnomalyAlert{
		AlertID:          "alert-" + uuid.NewString(),
		AlertType:        "coherence_divergence",
		Severity:         model.SeverityWarning,
		Mechanism:        model.MechanismCrossAgentDivergence,
		AgentName:        "datum",
		AgentIDHash:      "hash-datum",
		Domain:           "discord",
		Metric:           "coherence_level",
		Value:            0.42,
		Baseline:         0.88,
		Deviation:        "3.1 MAD below fleet median",
		Timestamp:        time.Now().UTC().Truncate(time.Microsecond),
		EvidenceTraceIDs: []string{"trace-evidence-1"},
		Status:           model.AlertOpen,
	}
	n, err := testDB.InsertAlerts(ctx, []model.AnomalyAlert{alert})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Deterministic IDs make re-detection idempotent.
	n, err = testDB.InsertAlerts(ctx, []model.AnomalyAlert{alert})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	open, err := testDB.ListAlerts(ctx, storage.AlertFilter{Status: model.AlertOpen, Limit: 1000})
	require.NoError(t, err)
	found := false
	for _, a := range open {
		if a.AlertID == alert.AlertID {
			found = true
		}
	}
	assert.True(t, found)

	ok, err := testDB.AcknowledgeAlert(ctx, alert.AlertID, "operator")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.ResolveAlert(ctx, alert.AlertID, "false positive, sampling gap")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := testDB.GetAlert(ctx, alert.AlertID)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, got.Status)
	require.NotNil(t, got.ResolutionNote)
	assert.Equal(t, "false positive, sampling gap", *got.ResolutionNote)
}

func TestManagersAndDiscoveredAgents(t *testing.T) {
	ctx := context.Background()

	id, err := testDB.AddManager(ctx, model.Manager{
		Name:            "manager-test",
		URL:             "https://manager.test.internal",
		AuthToken:       "secret-manager-token",
		IntervalSeconds: 300,
		Enabled:         true,
	})
	require.NoError(t, err)

	managers, err := testDB.ListEnabledManagers(ctx)
	require.NoError(t, err)
	var mgr *model.Manager
	for i := range managers {
		if managers[i].ManagerID == id {
			mgr = &managers[i]
		}
	}
	require.NotNil(t, mgr)
	assert.Equal(t, "secret-manager-token", mgr.AuthToken)

	require.NoError(t, testDB.MarkManagerSeen(ctx, id))

	require.NoError(t, testDB.UpsertDiscoveredAgents(ctx, []model.DiscoveredAgent{
		{ManagerID: id, AgentID: "agent-echo", AgentName: "echo", Status: "running", Health: "healthy"},
	}))
	agents, err := testDB.ListDiscoveredAgents(ctx)
	require.NoError(t, err)
	found := false
	for _, a := range agents {
		if a.AgentID == "agent-echo" {
			found = true
			assert.Equal(t, "running", a.Status)
		}
	}
	assert.True(t, found)
}

func TestRetentionPassRuns(t *testing.T) {
	res := testDB.RunRetentionPass(context.Background())
	assert.Empty(t, res.Errors)
	// Fresh data is inside every window; nothing should drop.
	for table, n := range res.ChunksDropped {
		assert.Zero(t, n, "unexpected chunk drop on %s", table)
	}
}
