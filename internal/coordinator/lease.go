package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpipe/internal/statestore"
)

// Leases guards partition ownership. A lease is a TTL'd key holding the
// owner's instance id; acquisition is first-writer-wins and renewal is a
// compare-and-swap of the holder against itself, so an instance that lost
// its lease cannot refresh it back into existence.
type Leases struct {
	store    statestore.Store
	group    string
	instance string
	ttl      time.Duration
}

func NewLeases(store statestore.Store, group, instance string, ttl time.Duration) *Leases {
	return &Leases{store: store, group: group, instance: instance, ttl: ttl}
}

// Acquire claims the partition. It reports false when another live
// instance holds the lease; holding it already counts as success.
func (l *Leases) Acquire(ctx context.Context, claim Claim) (bool, error) {
	ok, err := l.store.SetNX(ctx, l.key(claim), []byte(l.instance), l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", claim, err)
	}
	if ok {
		return true, nil
	}
	holder, err := l.Holder(ctx, claim)
	if err != nil {
		return false, err
	}
	return holder == l.instance, nil
}

// Renew refreshes the TTL on a lease this instance still holds. A false
// return means the lease expired or moved; the caller must stop the
// partition's worker before anything else is committed.
func (l *Leases) Renew(ctx context.Context, claim Claim) (bool, error) {
	owner := []byte(l.instance)
	ok, err := l.store.CompareAndSwap(ctx, l.key(claim), owner, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", claim, err)
	}
	return ok, nil
}

// Release gives the partition up so the next rebalance pass can hand it
// out without waiting for the TTL.
func (l *Leases) Release(ctx context.Context, claim Claim) error {
	if _, err := l.store.CompareAndDelete(ctx, l.key(claim), []byte(l.instance)); err != nil {
		return fmt.Errorf("release lease %s: %w", claim, err)
	}
	return nil
}

// Holder returns the current owner's instance id, or "" when the lease
// is free.
func (l *Leases) Holder(ctx context.Context, claim Claim) (string, error) {
	raw, err := l.store.Get(ctx, l.key(claim))
	if errors.Is(err, statestore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", claim, err)
	}
	return string(raw), nil
}

func (l *Leases) key(claim Claim) string {
	return fmt.Sprintf("lease:%s:%s:%d", l.group, claim.Topic, claim.Partition)
}
