// Package inmem is an in-process implementation of the broker contract: a set
// of named topics, each an array of append-only partition logs. It backs the
// pipeline's tests and single-node development runs.
package inmem

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"taskpipe/internal/broker"
)

// RouteFunc picks the partition a key lands on.
type RouteFunc func(key []byte, partitions int) int

type Broker struct {
	route RouteFunc

	mu     sync.Mutex
	topics map[string]*topicLog
}

type topicLog struct {
	partitions []*partitionLog
}

type partitionLog struct {
	mu      sync.Mutex
	msgs    []broker.Message
	changed chan struct{} // closed and replaced on every append
}

func New(route RouteFunc) *Broker {
	return &Broker{
		route:  route,
		topics: make(map[string]*topicLog),
	}
}

// CreateTopic provisions a topic. Recreating an existing topic is a no-op.
func (b *Broker) CreateTopic(name string, partitions int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[name]; ok {
		return
	}
	t := &topicLog{partitions: make([]*partitionLog, partitions)}
	for i := range t.partitions {
		t.partitions[i] = &partitionLog{changed: make(chan struct{})}
	}
	b.topics[name] = t
}

func (b *Broker) topic(name string) (*topicLog, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", name)
	}
	return t, nil
}

func (b *Broker) Publish(_ context.Context, topic string, key, value []byte) error {
	t, err := b.topic(topic)
	if err != nil {
		return err
	}
	idx := b.route(key, len(t.partitions))
	p := t.partitions[idx]

	p.mu.Lock()
	defer p.mu.Unlock()

	p.msgs = append(p.msgs, broker.Message{
		Topic:     topic,
		Partition: idx,
		Offset:    int64(len(p.msgs)),
		Key:       bytes.Clone(key),
		Value:     bytes.Clone(value),
		Time:      time.Now(),
	})
	close(p.changed)
	p.changed = make(chan struct{})
	return nil
}

func (b *Broker) Partitions(_ context.Context, topic string) (int, error) {
	t, err := b.topic(topic)
	if err != nil {
		return 0, err
	}
	return len(t.partitions), nil
}

func (b *Broker) OpenReader(_ context.Context, topic string, partition int, offset int64) (broker.Reader, error) {
	t, err := b.topic(topic)
	if err != nil {
		return nil, err
	}
	if partition < 0 || partition >= len(t.partitions) {
		return nil, fmt.Errorf("topic %q has no partition %d", topic, partition)
	}
	p := t.partitions[partition]

	p.mu.Lock()
	defer p.mu.Unlock()
	switch offset {
	case broker.OffsetEarliest:
		offset = 0
	case broker.OffsetLatest:
		offset = int64(len(p.msgs))
	}
	if offset < 0 || offset > int64(len(p.msgs)) {
		return nil, fmt.Errorf("offset %d out of range for %s[%d]", offset, topic, partition)
	}
	return &reader{log: p, next: offset}, nil
}

func (b *Broker) Close() error { return nil }

type reader struct {
	log  *partitionLog
	next int64
}

func (r *reader) Fetch(ctx context.Context, max int) ([]broker.Message, error) {
	for {
		r.log.mu.Lock()
		if r.next < int64(len(r.log.msgs)) {
			end := r.next + int64(max)
			if end > int64(len(r.log.msgs)) {
				end = int64(len(r.log.msgs))
			}
			batch := make([]broker.Message, end-r.next)
			copy(batch, r.log.msgs[r.next:end])
			r.next = end
			r.log.mu.Unlock()
			return batch, nil
		}
		changed := r.log.changed
		r.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

func (r *reader) Close() error { return nil }
