// Package broker defines the narrow contract the pipeline has with its
// messaging substrate: publish to a keyed partition, read one partition from
// an offset, report partition counts. Kafka implements it in production, an
// in-process log in tests.
package broker

import (
	"context"
	"errors"
	"time"
)

// Start positions for readers on partitions with no committed offset.
// The values match the Kafka sentinels so they pass through unchanged.
const (
	OffsetEarliest int64 = -2
	OffsetLatest   int64 = -1
)

// Message is one record of a partition's append-only log.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// TopicSpec describes a topic to provision: partition count and retention.
type TopicSpec struct {
	Name       string
	Partitions int
	Retention  time.Duration
}

type Broker interface {
	// Publish appends the message to the partition derived from key.
	// The broker acknowledges only after the message is durably stored.
	Publish(ctx context.Context, topic string, key, value []byte) error

	// Partitions returns the partition count of the topic.
	Partitions(ctx context.Context, topic string) (int, error)

	// OpenReader positions a reader on a single partition at the given
	// offset (absolute, or one of the Offset sentinels).
	OpenReader(ctx context.Context, topic string, partition int, offset int64) (Reader, error)

	Close() error
}

// Reader consumes one partition in offset order.
type Reader interface {
	// Fetch blocks until at least one message is available or ctx is done,
	// then returns up to max messages in offset order.
	Fetch(ctx context.Context, max int) ([]Message, error)
	Close() error
}

// IsTemporary reports whether a broker error is worth retrying: broker-side
// temporary conditions (leader election, throttling) and I/O timeouts.
// Context cancellation is not temporary; the caller gave up.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	return false
}
