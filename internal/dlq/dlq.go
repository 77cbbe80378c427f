// Package dlq holds the pipeline's retry policy and the quarantine store for
// events that exhausted it. A quarantined event is parked with its failure
// metadata, never blocking its partition; recovery is a manual replay.
package dlq

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an entry id does not exist.
var ErrNotFound = errors.New("dlq: entry not found")

// Quarantine reasons.
const (
	ReasonDecodeMalformed      = "decode_malformed"
	ReasonDecodeUnknownType    = "decode_unknown_type"
	ReasonDecodeUnknownVersion = "decode_unknown_version"
	ReasonApplyPermanent       = "apply_permanent"
	ReasonApplyExhausted       = "apply_exhausted"
)

// Entry is one quarantined event. Topic, partition and offset identify the
// source record; EventID is empty when the payload never decoded.
type Entry struct {
	ID            int64      `json:"id"`
	Topic         string     `json:"topic"`
	Partition     int        `json:"partition"`
	Offset        int64      `json:"offset"`
	Key           string     `json:"key"`
	Payload       []byte     `json:"payload"`
	EventID       string     `json:"event_id,omitempty"`
	EventType     string     `json:"event_type,omitempty"`
	Reason        string     `json:"reason"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error"`
	QuarantinedAt time.Time  `json:"quarantined_at"`
	ReplayedAt    *time.Time `json:"replayed_at,omitempty"`
}

type Store interface {
	// Add parks an entry. Re-quarantining the same source record (same
	// topic, partition, offset) updates the existing entry in place.
	Add(ctx context.Context, e *Entry) error

	// List returns the most recently quarantined entries.
	List(ctx context.Context, limit int) ([]Entry, error)

	Get(ctx context.Context, id int64) (*Entry, error)

	// MarkReplayed records that the entry was republished.
	MarkReplayed(ctx context.Context, id int64) error
}
