// Package kafka adapts a Kafka cluster to the pipeline's broker contract.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"taskpipe/internal/broker"
)

type Config struct {
	Brokers []string
}

type Broker struct {
	cfg    Config
	dialer *kafka.Dialer

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func New(cfg Config) *Broker {
	return &Broker{
		cfg: cfg,
		dialer: &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		},
		writers: make(map[string]*kafka.Writer),
	}
}

func (b *Broker) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:  kafka.TCP(b.cfg.Brokers...),
		Topic: topic,
		// Hash is FNV-1a(key) mod partitions, the same placement the
		// partition router computes.
		Balancer: &kafka.Hash{},
		// Retries live in the publish path where they are counted and
		// bounded; the writer itself gets one attempt.
		MaxAttempts:  1,
		RequiredAcks: kafka.RequireAll,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	}
	b.writers[topic] = w
	return w
}

func (b *Broker) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := b.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	return nil
}

func (b *Broker) Partitions(ctx context.Context, topic string) (int, error) {
	conn, err := b.dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return 0, fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions(topic)
	if err != nil {
		return 0, fmt.Errorf("read partitions of %s: %w", topic, err)
	}
	return len(parts), nil
}

func (b *Broker) OpenReader(_ context.Context, topic string, partition int, offset int64) (broker.Reader, error) {
	// No GroupID: partition assignment and offset tracking belong to the
	// coordinator and the state store, not to Kafka's group protocol.
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.cfg.Brokers,
		Topic:     topic,
		Partition: partition,
		MinBytes:  1,
		MaxBytes:  10e6, // 10MB
		MaxWait:   1 * time.Second,
		Dialer:    b.dialer,
	})
	if err := r.SetOffset(offset); err != nil {
		r.Close()
		return nil, fmt.Errorf("seek %s[%d] to %d: %w", topic, partition, offset, err)
	}
	return &reader{r: r}, nil
}

// EnsureTopics creates the topics on the cluster controller with their
// partition counts and retention windows. Existing topics are left as-is.
func (b *Broker) EnsureTopics(ctx context.Context, specs []broker.TopicSpec) error {
	conn, err := b.dialer.DialContext(ctx, "tcp", b.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("resolve controller: %w", err)
	}
	cc, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer cc.Close()

	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, s := range specs {
		configs = append(configs, kafka.TopicConfig{
			Topic:             s.Name,
			NumPartitions:     s.Partitions,
			ReplicationFactor: 1,
			ConfigEntries: []kafka.ConfigEntry{{
				ConfigName:  "retention.ms",
				ConfigValue: strconv.FormatInt(s.Retention.Milliseconds(), 10),
			}},
		})
	}
	if err := cc.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, w := range b.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	clear(b.writers)
	return errors.Join(errs...)
}

type reader struct {
	r *kafka.Reader
}

func (r *reader) Fetch(ctx context.Context, max int) ([]broker.Message, error) {
	first, err := r.r.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	out := make([]broker.Message, 0, max)
	out = append(out, convert(first))

	// Drain whatever the reader already buffered without blocking the loop.
	for len(out) < max {
		drainCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		m, err := r.r.FetchMessage(drainCtx)
		cancel()
		if err != nil {
			break
		}
		out = append(out, convert(m))
	}
	return out, nil
}

func (r *reader) Close() error { return r.r.Close() }

func convert(m kafka.Message) broker.Message {
	return broker.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}
}
