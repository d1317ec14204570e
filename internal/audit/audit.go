// Package audit is an append-only log of engine operations (writes,
// merges, commits), kept purely for local observability — it is not
// part of the synchronization contract and the engine never reads it
// back to make a decision. Grounded on the teacher's internal/db
// Store: go:embed schema.sql, WAL journal mode, modernc.org/sqlite as
// the driver.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Kind labels one row of the operation log.
type Kind string

const (
	KindWrite  Kind = "write"
	KindMerge  Kind = "merge"
	KindCommit Kind = "commit"
)

// Log is the append-only sink. Nil-safe: a nil *Log's Record is a
// no-op, so audit logging can be wired in without forcing every
// caller (and every test) to construct a database.
type Log struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at path and ensures the
// operations table exists.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}

	escapedPath := strings.ReplaceAll(path, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escapedPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one operation entry. Failures are not propagated to
// callers beyond the returned error — audit logging never blocks a
// synchronization operation from completing, so callers typically log
// and discard this return value rather than fail the request over it.
func (l *Log) Record(ctx context.Context, kind Kind, name, detail string) error {
	if l == nil || l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO operations (kind, name, detail, occurred_at) VALUES (?, ?, ?, ?)`,
		string(kind), name, detail, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Entry is one row read back from the log.
type Entry struct {
	ID         int64
	Kind       Kind
	Name       string
	Detail     string
	OccurredAt time.Time
}

// Recent returns the most recent n operations touching name, newest
// first. Used by diagnostics, not by any synchronization path.
func (l *Log) Recent(ctx context.Context, name string, n int) ([]Entry, error) {
	if l == nil || l.db == nil {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, kind, name, detail, occurred_at FROM operations WHERE name = ? ORDER BY id DESC LIMIT ?`,
		name, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, occurredAt string
		if err := rows.Scan(&e.ID, &kind, &e.Name, &e.Detail, &occurredAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
