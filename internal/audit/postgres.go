package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// pgxConn is the subset of *pgxpool.Pool used by PostgresSink.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink stores records in the dispatch_records table.
type PostgresSink struct {
	pool pgxConn
}

// NewPostgresSink creates a PostgresSink. pool is normally a *pgxpool.Pool.
func NewPostgresSink(pool pgxConn) *PostgresSink {
	return &PostgresSink{pool: pool}
}

const upsertRecordSQL = `INSERT INTO dispatch_records
	(notification_id, channel, recipient, message, status, attempted_at, error_detail, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (notification_id) DO UPDATE SET
	status       = EXCLUDED.status,
	attempted_at = EXCLUDED.attempted_at,
	error_detail = EXCLUDED.error_detail,
	attempts     = EXCLUDED.attempts,
	updated_at   = now()
WHERE dispatch_records.status <> 'sent' OR EXCLUDED.status = 'sent'`

// Append upserts rec keyed by notification_id.
func (s *PostgresSink) Append(ctx context.Context, rec dispatch.Record) error {
	if s.pool == nil {
		return fmt.Errorf("postgres sink: no database connection")
	}
	var detail *string
	if rec.ErrorDetail != "" {
		detail = &rec.ErrorDetail
	}
	_, err := s.pool.Exec(ctx, upsertRecordSQL,
		rec.NotificationID, string(rec.Channel), rec.Recipient, rec.Message,
		string(rec.Status), rec.AttemptedAt, detail, rec.Attempts,
	)
	if err != nil {
		return fmt.Errorf("upsert dispatch record %s: %w", rec.NotificationID, err)
	}
	return nil
}

// Get loads one record.
func (s *PostgresSink) Get(ctx context.Context, id string) (dispatch.Record, error) {
	if s.pool == nil {
		return dispatch.Record{}, fmt.Errorf("postgres sink: no database connection")
	}
	var (
		rec     dispatch.Record
		channel string
		status  string
		detail  *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT notification_id, channel, recipient, message, status, attempted_at, error_detail, attempts
		 FROM dispatch_records WHERE notification_id = $1`, id,
	).Scan(&rec.NotificationID, &channel, &rec.Recipient, &rec.Message, &status, &rec.AttemptedAt, &detail, &rec.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Record{}, ErrNotFound
	}
	if err != nil {
		return dispatch.Record{}, fmt.Errorf("get dispatch record %s: %w", id, err)
	}
	rec.Channel = dispatch.Channel(channel)
	rec.Status = dispatch.Status(status)
	if detail != nil {
		rec.ErrorDetail = *detail
	}
	return rec, nil
}
