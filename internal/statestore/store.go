// Package statestore defines the key-value contract the pipeline has with its
// state sidecar: leases, group membership, committed offsets, dedup markers
// and recurrence state all live behind this interface. Redis backs it in
// production, an in-memory store in tests.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("statestore: key not found")

// NoTTL marks a key that should not expire.
const NoTTL time.Duration = 0

type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes the value unconditionally. ttl == NoTTL keeps the key forever.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes the value only if the key is absent and reports whether
	// the write happened. This is the lease-acquisition primitive.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only if the current value equals old,
	// refreshing the TTL. A CAS against an absent key fails. This is the
	// lease-renewal primitive: renewing a lost lease must not resurrect it.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes the key only if the current value equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all live keys with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}
