package downstream

import (
	"context"
	"encoding/json"
	"fmt"

	"taskpipe/internal/domain/event"
	"taskpipe/internal/infrastructure/postgres"
)

// AuditLog is the slice of the audit repository this downstream needs.
type AuditLog interface {
	Record(ctx context.Context, rec *postgres.AuditRecord) (bool, error)
}

// Audit appends every event to the immutable history table.
type Audit struct {
	store AuditLog
}

func NewAudit(store AuditLog) *Audit {
	return &Audit{store: store}
}

func (a *Audit) Name() string { return "audit" }

func (a *Audit) Apply(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = a.store.Record(ctx, &postgres.AuditRecord{
		EventID:    e.ID,
		EventType:  string(e.Type),
		Owner:      e.OwnerKey(),
		TaskID:     event.TaskID(e.Payload),
		OccurredAt: e.OccurredAt,
		Payload:    payload,
	})
	return classify(err)
}
