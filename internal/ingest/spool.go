package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // sqlite driver, CGO-free

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// Spool is a local SQLite overflow store for accepted traces that cannot
// reach Postgres: flush failures and buffer overflow land here instead of
// being dropped. Spooled rows re-enter the buffer on the next startup via
// Recover, and are reclaimed by Checkpoint once a flush succeeds.
type Spool struct {
	db   *sql.DB
	path string

	mu           sync.Mutex
	recoveredMax int64 // highest row id handed back by Recover, 0 = none pending
}

// NewSpool opens (or creates) the spool database under dir.
func NewSpool(ctx context.Context, dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}
	path := filepath.Join(dir, "ingest-spool.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %s: %w", path, err)
	}
	// Single writer; the connection pool just adds lock contention.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("spool: %s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spooled_traces (
		    id         INTEGER PRIMARY KEY AUTOINCREMENT,
		    payload    BLOB NOT NULL,
		    spooled_at TEXT NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: create table: %w", err)
	}

	return &Spool{db: db, path: path}, nil
}

// Append persists a batch of traces to the spool.
func (s *Spool) Append(ctx context.Context, traces []model.StoredTrace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("spool: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO spooled_traces (payload, spooled_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("spool: prepare: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range traces {
		payload, err := json.Marshal(&traces[i])
		if err != nil {
			return fmt.Errorf("spool: marshal trace %s: %w", traces[i].TraceID, err)
		}
		if _, err := stmt.ExecContext(ctx, payload, now); err != nil {
			return fmt.Errorf("spool: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("spool: commit: %w", err)
	}
	return nil
}

// Recover returns all spooled traces in insertion order. Rows stay in the
// spool until Checkpoint confirms they reached Postgres.
func (s *Spool) Recover(ctx context.Context) ([]model.StoredTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM spooled_traces ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("spool: query: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var (
		traces []model.StoredTrace
		maxID  int64
	)
	for rows.Next() {
		var (
			id      int64
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("spool: scan: %w", err)
		}
		var t model.StoredTrace
		if err := json.Unmarshal(payload, &t); err != nil {
			// Corrupt row: skip it rather than block recovery.
			continue
		}
		traces = append(traces, t)
		if id > maxID {
			maxID = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: iterate: %w", err)
	}

	s.mu.Lock()
	s.recoveredMax = maxID
	s.mu.Unlock()
	return traces, nil
}

// Checkpoint deletes rows that were recovered into the buffer, after a
// flush has confirmed them in Postgres. No-op when nothing is pending.
func (s *Spool) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	maxID := s.recoveredMax
	s.mu.Unlock()
	if maxID == 0 {
		return nil
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM spooled_traces WHERE id <= ?`, maxID); err != nil {
		return fmt.Errorf("spool: checkpoint delete: %w", err)
	}

	s.mu.Lock()
	if s.recoveredMax == maxID {
		s.recoveredMax = 0
	}
	s.mu.Unlock()
	return nil
}

// Pending reports the number of rows currently spooled.
func (s *Spool) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spooled_traces`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("spool: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}
