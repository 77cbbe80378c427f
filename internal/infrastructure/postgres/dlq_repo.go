package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskpipe/internal/dlq"
)

// DLQRepository persists quarantined events. It implements dlq.Store.
type DLQRepository struct {
	pool *pgxpool.Pool
}

func NewDLQRepository(pool *pgxpool.Pool) *DLQRepository {
	return &DLQRepository{pool: pool}
}

func (r *DLQRepository) EnsureSchema(ctx context.Context) error {
	const sql = `
		CREATE TABLE IF NOT EXISTS quarantined_events (
			id BIGSERIAL PRIMARY KEY,
			topic TEXT NOT NULL,
			partition INT NOT NULL,
			log_offset BIGINT NOT NULL,
			key TEXT NOT NULL DEFAULT '',
			payload BYTEA NOT NULL,
			event_id TEXT,
			event_type TEXT,
			reason TEXT NOT NULL,
			attempts INT NOT NULL,
			last_error TEXT NOT NULL,
			quarantined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			replayed_at TIMESTAMPTZ,
			UNIQUE (topic, partition, log_offset)
		);
	`
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure quarantined_events schema: %w", err)
	}
	return nil
}

// Add upserts on the source coordinates: a replayed-and-requarantined
// record updates its entry instead of accumulating rows.
func (r *DLQRepository) Add(ctx context.Context, e *dlq.Entry) error {
	const sql = `
		INSERT INTO quarantined_events
			(topic, partition, log_offset, key, payload, event_id, event_type, reason, attempts, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (topic, partition, log_offset) DO UPDATE SET
			reason = EXCLUDED.reason,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			quarantined_at = NOW(),
			replayed_at = NULL
		RETURNING id, quarantined_at
	`

	err := r.pool.QueryRow(ctx, sql,
		e.Topic, e.Partition, e.Offset, e.Key, e.Payload,
		nullIfEmpty(e.EventID), nullIfEmpty(e.EventType),
		e.Reason, e.Attempts, e.LastError,
	).Scan(&e.ID, &e.QuarantinedAt)
	if err != nil {
		return fmt.Errorf("insert quarantined event: %w", err)
	}
	return nil
}

func (r *DLQRepository) List(ctx context.Context, limit int) ([]dlq.Entry, error) {
	const sql = `
		SELECT id, topic, partition, log_offset, key, payload,
			COALESCE(event_id, ''), COALESCE(event_type, ''),
			reason, attempts, last_error, quarantined_at, replayed_at
		FROM quarantined_events
		ORDER BY quarantined_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query quarantined events: %w", err)
	}
	defer rows.Close()

	var entries []dlq.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *DLQRepository) Get(ctx context.Context, id int64) (*dlq.Entry, error) {
	const sql = `
		SELECT id, topic, partition, log_offset, key, payload,
			COALESCE(event_id, ''), COALESCE(event_type, ''),
			reason, attempts, last_error, quarantined_at, replayed_at
		FROM quarantined_events
		WHERE id = $1
	`

	e, err := scanEntry(r.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dlq.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *DLQRepository) MarkReplayed(ctx context.Context, id int64) error {
	const sql = `
		UPDATE quarantined_events
		SET replayed_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

// PurgeReplayed deletes entries replayed longer than age ago.
func (r *DLQRepository) PurgeReplayed(ctx context.Context, age time.Duration) (int64, error) {
	const sql = `
		DELETE FROM quarantined_events
		WHERE replayed_at IS NOT NULL AND replayed_at < NOW() - make_interval(secs => $1)
	`

	tag, err := r.pool.Exec(ctx, sql, age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge replayed: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*dlq.Entry, error) {
	e := &dlq.Entry{}
	err := row.Scan(&e.ID, &e.Topic, &e.Partition, &e.Offset, &e.Key, &e.Payload,
		&e.EventID, &e.EventType, &e.Reason, &e.Attempts, &e.LastError,
		&e.QuarantinedAt, &e.ReplayedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan quarantined event: %w", err)
	}
	return e, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
