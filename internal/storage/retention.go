package storage

import (
	"context"
	"fmt"
	"time"
)

// RetentionWindows maps hypertables to how long their rows are kept. The
// same windows are installed as TimescaleDB retention policies by the
// migrations; this pass is the belt-and-braces sweep for databases where the
// background workers are disabled.
var RetentionWindows = map[string]time.Duration{
	"agent_metrics":   30 * 24 * time.Hour,
	"agent_logs":      14 * 24 * time.Hour,
	"agent_traces":    14 * 24 * time.Hour,
	"service_logs":    90 * 24 * time.Hour,
	"covenant_traces": 90 * 24 * time.Hour,
	"status_checks":   90 * 24 * time.Hour,
}

// RetentionResult reports one pass over all hypertables.
type RetentionResult struct {
	ChunksDropped map[string]int64
	Errors        map[string]error
}

// RunRetentionPass drops expired chunks from every retained hypertable. A
// failure on one table does not stop the others.
func (db *DB) RunRetentionPass(ctx context.Context) RetentionResult {
	res := RetentionResult{
		ChunksDropped: map[string]int64{},
		Errors:        map[string]error{},
	}
	for table, window := range RetentionWindows {
		dropped, err := db.DropChunks(ctx, table, time.Now().Add(-window))
		if err != nil {
			res.Errors[table] = err
			db.logger.Warn("retention pass failed for table", "table", table, "error", err)
			continue
		}
		if dropped > 0 {
			db.logger.Info("retention pass dropped chunks", "table", table, "chunks", dropped)
		}
		res.ChunksDropped[table] = dropped
	}
	return res
}

// DropChunks drops TimescaleDB chunks older than olderThan from one
// hypertable. Returns the number of chunks dropped (time partitions, not
// rows).
func (db *DB) DropChunks(ctx context.Context, table string, olderThan time.Time) (int64, error) {
	if _, ok := RetentionWindows[table]; !ok {
		return 0, fmt.Errorf("storage: table %q has no retention window", table)
	}
	var dropped int64
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM drop_chunks($1, $2::timestamptz)`,
		table, olderThan,
	).Scan(&dropped)
	if err != nil {
		return 0, fmt.Errorf("storage: drop chunks from %s: %w", table, err)
	}
	return dropped, nil
}
