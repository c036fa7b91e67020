package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

func spoolTraces(n int) []model.StoredTrace {
	traces := make([]model.StoredTrace, n)
	for i := range traces {
		traces[i] = model.StoredTrace{
			TraceID:     "trace-" + string(rune('a'+i)),
			Timestamp:   time.Date(2026, 8, 1, 12, 0, i, 0, time.UTC),
			AgentIDHash: "9135882d323cd839",
			AgentName:   "datum",
			RawTrace:    []byte(`{"trace_id":"x"}`),
		}
	}
	return traces
}

func TestSpool_AppendRecoverCheckpoint(t *testing.T) {
	ctx := context.Background()
	spool, err := NewSpool(ctx, t.TempDir())
	require.NoError(t, err)
	defer spool.Close() //nolint:errcheck

	require.NoError(t, spool.Append(ctx, spoolTraces(3)))

	pending, err := spool.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	recovered, err := spool.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 3)
	assert.Equal(t, "trace-a", recovered[0].TraceID)
	assert.Equal(t, "datum", recovered[0].AgentName)

	// Rows survive recovery until a flush confirms them.
	pending, err = spool.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	require.NoError(t, spool.Checkpoint(ctx))
	pending, err = spool.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestSpool_CheckpointOnlyReclaimsRecoveredRows(t *testing.T) {
	ctx := context.Background()
	spool, err := NewSpool(ctx, t.TempDir())
	require.NoError(t, err)
	defer spool.Close() //nolint:errcheck

	require.NoError(t, spool.Append(ctx, spoolTraces(2)))
	_, err = spool.Recover(ctx)
	require.NoError(t, err)

	// Diverted after recovery; must survive the checkpoint.
	require.NoError(t, spool.Append(ctx, spoolTraces(1)))
	require.NoError(t, spool.Checkpoint(ctx))

	pending, err := spool.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestSpool_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	spool, err := NewSpool(ctx, dir)
	require.NoError(t, err)
	require.NoError(t, spool.Append(ctx, spoolTraces(2)))
	require.NoError(t, spool.Close())

	reopened, err := NewSpool(ctx, dir)
	require.NoError(t, err)
	defer reopened.Close() //nolint:errcheck

	recovered, err := reopened.Recover(ctx)
	require.NoError(t, err)
	assert.Len(t, recovered, 2)
}
