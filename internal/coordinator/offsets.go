package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"taskpipe/internal/statestore"
)

// OffsetStore persists the committed position of each partition. The
// stored value is the next offset to consume, written only after every
// event below it has been applied.
type OffsetStore struct {
	store statestore.Store
	group string
}

func NewOffsetStore(store statestore.Store, group string) *OffsetStore {
	return &OffsetStore{store: store, group: group}
}

// Load returns the next offset to consume. ok is false when the group has
// never committed this partition; the caller decides where to start.
func (s *OffsetStore) Load(ctx context.Context, claim Claim) (next int64, ok bool, err error) {
	raw, err := s.store.Get(ctx, s.key(claim))
	if errors.Is(err, statestore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load offset for %s: %w", claim, err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("offset for %s is corrupt: %w", claim, err)
	}
	return n, true, nil
}

// Commit records next as the resume position. Offsets never carry a TTL:
// a group that has been down longer than the lease TTL still resumes
// where it stopped.
func (s *OffsetStore) Commit(ctx context.Context, claim Claim, next int64) error {
	raw := []byte(strconv.FormatInt(next, 10))
	if err := s.store.Set(ctx, s.key(claim), raw, statestore.NoTTL); err != nil {
		return fmt.Errorf("commit offset %d for %s: %w", next, claim, err)
	}
	return nil
}

func (s *OffsetStore) key(claim Claim) string {
	return fmt.Sprintf("offset:%s:%s:%d", s.group, claim.Topic, claim.Partition)
}
