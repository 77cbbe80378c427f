package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRecord is one row of the immutable event history.
type AuditRecord struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Owner      string    `json:"owner"`
	TaskID     int64     `json:"task_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    []byte    `json:"payload"`
	RecordedAt time.Time `json:"recorded_at"`
}

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) EnsureSchema(ctx context.Context) error {
	const sql = `
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			task_id BIGINT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			payload JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_owner ON audit_log (owner_id, occurred_at);
	`
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure audit_log schema: %w", err)
	}
	return nil
}

// Record returns true if the row was written, false if the event was
// already in the log. The unique event_id constraint is the durable half
// of the audit downstream's dedup.
func (r *AuditRepository) Record(ctx context.Context, rec *AuditRecord) (bool, error) {
	const sql = `
		INSERT INTO audit_log (event_id, event_type, owner_id, task_id, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, sql,
		rec.EventID, rec.EventType, rec.Owner, rec.TaskID, rec.OccurredAt, rec.Payload)
	if err != nil {
		return false, fmt.Errorf("insert audit record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AuditRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]*AuditRecord, error) {
	const sql = `
		SELECT id, event_id, event_type, owner_id, task_id, occurred_at, payload, recorded_at
		FROM audit_log
		WHERE owner_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, sql, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.Owner, &rec.TaskID, &rec.OccurredAt, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]*AuditRecord, error) {
	const sql = `
		SELECT id, event_id, event_type, owner_id, task_id, occurred_at, payload, recorded_at
		FROM audit_log
		ORDER BY recorded_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var records []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.EventType, &rec.Owner, &rec.TaskID, &rec.OccurredAt, &rec.Payload, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
