package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notification is one user-facing message produced from an event.
type Notification struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Owner     string    `json:"owner"`
	TaskID    int64     `json:"task_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) EnsureSchema(ctx context.Context) error {
	const sql = `
		CREATE TABLE IF NOT EXISTS notifications (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			task_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_owner ON notifications (owner_id, created_at);
	`
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("ensure notifications schema: %w", err)
	}
	return nil
}

// Create returns true if the notification was written, false if this event
// already produced one.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) (bool, error) {
	const sql = `
		INSERT INTO notifications (event_id, owner_id, task_id, kind, title, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, sql, n.EventID, n.Owner, n.TaskID, n.Kind, n.Title, n.Body)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *NotificationRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]*Notification, error) {
	const sql = `
		SELECT id, event_id, owner_id, task_id, kind, title, body, created_at
		FROM notifications
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, sql, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.EventID, &n.Owner, &n.TaskID, &n.Kind, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
