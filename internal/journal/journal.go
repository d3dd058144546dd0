// Package journal records apply attempts in a local SQLite database.
//
// The journal lives next to the sequence state in the cache directory and
// answers two operational questions: what happened recently (diffd status)
// and how many consecutive failures have accumulated (alert escalation).
// It is bookkeeping only; ingestion correctness never depends on it, and a
// journal write failure is logged rather than failing the cycle.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Attempt is one recorded engine invocation.
type Attempt struct {
	ID        int64
	Sequence  int
	StartedAt time.Time
	Duration  time.Duration
	Status    string // ok, failed, timeout
	Error     string
}

// Attempt status values.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Journal wraps the SQLite connection.
type Journal struct {
	conn *sql.DB
}

// Open opens (creating if needed) the journal database at path.
// The caller must Close it.
func Open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	j := &Journal{conn: conn}
	if err := j.initSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return j, nil
}

// Close releases the database connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

func (j *Journal) initSchema() error {
	_, err := j.conn.Exec(`
		CREATE TABLE IF NOT EXISTS apply_attempts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			sequence    INTEGER NOT NULL,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			status      TEXT NOT NULL CHECK (status IN ('ok', 'failed', 'timeout')),
			error       TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_sequence ON apply_attempts(sequence);
	`)
	if err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// RecordAttempt appends one apply attempt.
func (j *Journal) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO apply_attempts (sequence, started_at, duration_ms, status, error)
		VALUES (?, ?, ?, ?, ?)
	`,
		a.Sequence,
		a.StartedAt.UTC().Format(time.RFC3339Nano),
		a.Duration.Milliseconds(),
		a.Status,
		a.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// ConsecutiveFailures counts how many attempts have failed since the last
// success. Used to drive the escalation threshold; retries continue
// regardless of the count.
func (j *Journal) ConsecutiveFailures(ctx context.Context) (int, error) {
	row := j.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM apply_attempts
		WHERE id > COALESCE(
			(SELECT MAX(id) FROM apply_attempts WHERE status = 'ok'), 0)
	`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return n, nil
}

// RecentAttempts returns the newest attempts, newest first.
func (j *Journal) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := j.conn.QueryContext(ctx, `
		SELECT id, sequence, started_at, duration_ms, status, error
		FROM apply_attempts
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a       Attempt
			started string
			ms      int64
		)
		if err := rows.Scan(&a.ID, &a.Sequence, &started, &ms, &a.Status, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.StartedAt, err = time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("failed to parse attempt timestamp: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}
