// Package producer turns domain events into published broker records: it
// stamps identity, encodes the envelope, routes by owner key and retries
// transient broker failures behind a circuit breaker. Delivery here is
// at-least-once; deduplication is the consumer side's job.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	"taskpipe/internal/broker"
	"taskpipe/internal/dlq"
	"taskpipe/internal/domain/event"
)

// ErrUnavailable is returned when the broker rejected an event past the
// retry budget or the circuit is open. The event was not accepted; the
// caller owns the decision to fail the mutation or queue the publish.
var ErrUnavailable = errors.New("producer: broker unavailable")

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_producer_published_total",
		Help: "Events acknowledged by the broker, by topic.",
	}, []string{"topic"})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpipe_producer_retries_total",
		Help: "Publish attempts retried after a transient broker error.",
	})
	failedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_producer_failed_total",
		Help: "Publishes abandoned, by topic.",
	}, []string{"topic"})
	publishSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskpipe_producer_publish_seconds",
		Help:    "End-to-end publish latency including retries.",
		Buckets: prometheus.DefBuckets,
	})
)

// Topics is the routing table: each event class has one destination topic.
type Topics struct {
	TaskEvents  broker.TopicSpec
	Reminders   broker.TopicSpec
	TaskUpdates broker.TopicSpec
}

func (t Topics) forClass(class string) (broker.TopicSpec, bool) {
	switch class {
	case "task":
		return t.TaskEvents, true
	case "reminder":
		return t.Reminders, true
	}
	return broker.TopicSpec{}, false
}

// All returns every topic the pipeline publishes or consumes.
func (t Topics) All() []broker.TopicSpec {
	return []broker.TopicSpec{t.TaskEvents, t.Reminders, t.TaskUpdates}
}

type Config struct {
	Topics Topics
	Retry  dlq.Policy

	// MirrorUpdates additionally publishes task.* events to the short-lived
	// task-updates feed. The mirror is best effort.
	MirrorUpdates bool

	// Breaker opens after this many consecutive broker failures and probes
	// again after the cooldown.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

type Producer struct {
	broker  broker.Broker
	cfg     Config
	breaker *gobreaker.CircuitBreaker[any]
	log     *slog.Logger
}

func New(b broker.Broker, cfg Config, log *slog.Logger) *Producer {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = dlq.DefaultPolicy()
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 10 * time.Second
	}
	p := &Producer{broker: b, cfg: cfg, log: log}
	p.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "producer",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// Publish stamps, encodes and publishes one event. It blocks through the
// retry budget and returns an error wrapping ErrUnavailable once the budget
// is spent; events are never silently dropped.
func (p *Producer) Publish(ctx context.Context, e *event.Event) error {
	start := time.Now()

	if e == nil || e.Payload == nil {
		return errors.New("producer: nil event")
	}
	stampIdentity(e)

	spec, ok := p.cfg.Topics.forClass(e.Type.Class())
	if !ok {
		return fmt.Errorf("producer: no topic for event type %q", e.Type)
	}
	raw, err := event.Encode(e)
	if err != nil {
		return fmt.Errorf("producer: encode %s: %w", e.ID, err)
	}

	if err := p.publish(ctx, spec, e, raw); err != nil {
		failedTotal.WithLabelValues(spec.Name).Inc()
		return err
	}
	publishSeconds.Observe(time.Since(start).Seconds())

	if p.cfg.MirrorUpdates && e.Type.Class() == "task" {
		p.mirror(ctx, e, raw)
	}
	return nil
}

func (p *Producer) publish(ctx context.Context, spec broker.TopicSpec, e *event.Event, raw []byte) error {
	key := []byte(e.OwnerKey())
	partition := Route(e.OwnerKey(), spec.Partitions)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("producer: publish %s: %w", e.ID, err)
		}
		_, err := p.breaker.Execute(func() (any, error) {
			return nil, p.broker.Publish(ctx, spec.Name, key, raw)
		})
		if err == nil {
			publishedTotal.WithLabelValues(spec.Name).Inc()
			p.log.Debug("event published",
				"event_id", e.ID,
				"event_type", string(e.Type),
				"topic", spec.Name,
				"partition", partition,
				"attempt", attempt)
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("producer: publish %s to %s: circuit open: %w", e.ID, spec.Name, ErrUnavailable)
		}
		if !broker.IsTemporary(err) {
			return fmt.Errorf("producer: publish %s to %s: %w", e.ID, spec.Name, err)
		}
		if p.cfg.Retry.Exhausted(attempt) {
			return fmt.Errorf("producer: publish %s to %s after %d attempts: %w: %w", e.ID, spec.Name, attempt, ErrUnavailable, err)
		}

		retriesTotal.Inc()
		backoff := p.cfg.Retry.Backoff(attempt)
		p.log.Warn("publish failed, retrying",
			"event_id", e.ID,
			"topic", spec.Name,
			"attempt", attempt,
			"backoff", backoff,
			"error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("producer: publish %s: %w", e.ID, ctx.Err())
		case <-time.After(backoff):
		}
	}
}

// mirror forwards the encoded event to the task-updates feed. The feed has
// an hour of retention and exists for live UI sync; losing a mirror write
// is logged, never surfaced.
func (p *Producer) mirror(ctx context.Context, e *event.Event, raw []byte) {
	_, err := p.breaker.Execute(func() (any, error) {
		return nil, p.broker.Publish(ctx, p.cfg.Topics.TaskUpdates.Name, []byte(e.OwnerKey()), raw)
	})
	if err != nil {
		failedTotal.WithLabelValues(p.cfg.Topics.TaskUpdates.Name).Inc()
		p.log.Warn("mirror publish failed", "event_id", e.ID, "topic", p.cfg.Topics.TaskUpdates.Name, "error", err)
		return
	}
	publishedTotal.WithLabelValues(p.cfg.Topics.TaskUpdates.Name).Inc()
}

// lastStamp is the floor for occurred-at stamps. Owners demand strictly
// increasing timestamps; a process-wide floor gives that to every owner
// without tracking per-owner state.
var lastStamp atomic.Int64

func stamp() time.Time {
	for {
		now := time.Now().UnixNano()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return time.Unix(0, now).UTC()
		}
	}
}

func stampIdentity(e *event.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = stamp()
	}
}
