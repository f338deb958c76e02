// Package overflow is the local durable fallback for Dispatch Records the
// audit sink could not accept, plus the job that moves them back.
package overflow

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteLog stores overflowed records in a local SQLite file. Put is
// idempotent on the notification id, like the audit sinks.
type SQLiteLog struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the overflow database at path.
// ":memory:" is accepted for tests.
func OpenSQLite(path string, busyTimeout time.Duration) (*SQLiteLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("overflow path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate overflow db: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Put stores rec. An existing sent entry is not replaced by a failed one.
func (l *SQLiteLog) Put(ctx context.Context, rec dispatch.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO overflow_records(notification_id, status, record, overflowed_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(notification_id) DO UPDATE SET
		   status = excluded.status,
		   record = excluded.record,
		   overflowed_at = excluded.overflowed_at
		 WHERE overflow_records.status <> 'sent' OR excluded.status = 'sent'`,
		rec.NotificationID, string(rec.Status), string(body), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("overflow put %s: %w", rec.NotificationID, err)
	}
	return nil
}

// Entry is an overflowed record as it was read. Remove uses it to delete the
// row only while the row still holds this version.
type Entry struct {
	Record       dispatch.Record
	OverflowedAt int64
	body         string
}

// Entries returns up to limit entries, oldest first.
func (l *SQLiteLog) Entries(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT record, overflowed_at FROM overflow_records ORDER BY overflowed_at, notification_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.body, &e.OverflowedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(e.body), &e.Record); err != nil {
			return nil, fmt.Errorf("decode overflow record: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Pending returns up to limit records, oldest first.
func (l *SQLiteLog) Pending(ctx context.Context, limit int) ([]dispatch.Record, error) {
	entries, err := l.Entries(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]dispatch.Record, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	return out, nil
}

// Remove deletes e unless its row was overwritten since e was read. It
// reports whether a row was deleted.
func (l *SQLiteLog) Remove(ctx context.Context, e Entry) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM overflow_records WHERE notification_id = ? AND overflowed_at = ? AND record = ?`,
		e.Record.NotificationID, e.OverflowedAt, e.body)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkAttempt bumps the replay attempt counter of an entry.
func (l *SQLiteLog) MarkAttempt(ctx context.Context, id string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE overflow_records SET replay_attempts = replay_attempts + 1 WHERE notification_id = ?`, id)
	return err
}

// Count returns the number of pending records.
func (l *SQLiteLog) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overflow_records`).Scan(&n)
	return n, err
}
