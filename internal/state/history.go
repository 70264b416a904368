package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultHistoryKeep is how many runs Prune keeps by default.
const DefaultHistoryKeep = 500

// History is the run log, one row per apply attempt.
type History struct {
	db *sql.DB
}

// OpenHistory opens or creates the database at path (":memory:" for an
// in-memory database).
func OpenHistory(path string) (*History, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive between calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	h := &History{db: db}
	if err := h.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return h, nil
}

func (h *History) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			applied_at TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			backend TEXT NOT NULL DEFAULT '',
			selection TEXT NOT NULL,
			ipv6 INTEGER NOT NULL,
			v4_prefixes INTEGER NOT NULL,
			v6_prefixes INTEGER NOT NULL,
			v4_addresses INTEGER NOT NULL,
			blocked INTEGER NOT NULL,
			set_hash TEXT NOT NULL DEFAULT '',
			failed TEXT NOT NULL DEFAULT '',
			partial TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_applied_at ON runs(applied_at);
	`
	_, err := h.db.Exec(schema)
	return err
}

// Add appends r.
func (h *History) Add(ctx context.Context, r *Record) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, applied_at, status, error, backend, selection, ipv6,
			v4_prefixes, v6_prefixes, v4_addresses, blocked, set_hash, failed, partial, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.AppliedAt, r.Status, r.Error, r.Backend, r.Selection, r.IPv6,
		r.V4Prefixes, r.V6Prefixes, int64(r.V4Addresses), r.Blocked, r.SetHash,
		strings.Join(r.Failed, ","), strings.Join(r.Partial, ","), r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// Recent returns up to n runs, newest first.
func (h *History) Recent(ctx context.Context, n int) ([]*Record, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT run_id, applied_at, status, error, backend, selection, ipv6,
			v4_prefixes, v6_prefixes, v4_addresses, blocked, set_hash, failed, partial, duration_ms
		FROM runs ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			r               Record
			addrs           int64
			failed, partial string
		)
		if err := rows.Scan(&r.RunID, &r.AppliedAt, &r.Status, &r.Error, &r.Backend, &r.Selection, &r.IPv6,
			&r.V4Prefixes, &r.V6Prefixes, &addrs, &r.Blocked, &r.SetHash, &failed, &partial, &r.DurationMS); err != nil {
			return nil, err
		}
		r.V4Addresses = uint64(addrs)
		r.Failed = splitList(failed)
		r.Partial = splitList(partial)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep runs and returns how many were
// removed.
func (h *History) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := h.db.ExecContext(ctx, `
		DELETE FROM runs WHERE seq NOT IN (SELECT seq FROM runs ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
