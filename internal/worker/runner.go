// Package worker runs the consume side of one claimed partition: fetch a
// batch, decode, apply with bounded retries, quarantine what cannot be
// applied, and commit the offset only after everything below it landed.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskpipe/internal/apply"
	"taskpipe/internal/broker"
	"taskpipe/internal/coordinator"
	"taskpipe/internal/dlq"
	"taskpipe/internal/domain/event"
)

var (
	eventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_worker_events_applied_total",
		Help: "Events applied to all downstreams, by topic.",
	}, []string{"topic"})
	eventsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_worker_events_quarantined_total",
		Help: "Events parked in quarantine, by topic and reason.",
	}, []string{"topic", "reason"})
	applyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpipe_worker_apply_retries_total",
		Help: "Apply attempts repeated after a transient failure.",
	})
	fetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpipe_worker_fetch_failures_total",
		Help: "Broker fetches that failed and were retried.",
	})
	quarantineDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpipe_worker_quarantine_drops_total",
		Help: "Events lost because the quarantine store stayed unavailable.",
	})
)

// StartOffset is where a partition begins when the group has never
// committed it.
type StartOffset string

const (
	StartEarliest StartOffset = "earliest"
	StartLatest   StartOffset = "latest"
)

type Config struct {
	BatchSize   int
	Retry       dlq.Policy
	StartOffset StartOffset
}

// Runner consumes one partition per claim. It satisfies
// coordinator.Runner; the coordinator starts one Run per leased partition
// and cancels it on revocation.
type Runner struct {
	broker     broker.Broker
	applier    *apply.Applier
	offsets    *coordinator.OffsetStore
	quarantine dlq.Store
	cfg        Config
	log        *slog.Logger
}

func New(b broker.Broker, applier *apply.Applier, offsets *coordinator.OffsetStore, quarantine dlq.Store, cfg Config, log *slog.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = dlq.DefaultPolicy()
	}
	if cfg.StartOffset == "" {
		cfg.StartOffset = StartEarliest
	}
	return &Runner{
		broker:     b,
		applier:    applier,
		offsets:    offsets,
		quarantine: quarantine,
		cfg:        cfg,
		log:        log,
	}
}

// Run consumes the claimed partition until ctx is cancelled. Cancellation
// is cooperative: the in-flight event either finishes or is left
// uncommitted for redelivery, then the applied position is committed and
// Run returns.
func (r *Runner) Run(ctx context.Context, claim coordinator.Claim) error {
	next, haveNext, err := r.offsets.Load(ctx, claim)
	if err != nil {
		return err
	}
	start := next
	if !haveNext {
		start = broker.OffsetEarliest
		if r.cfg.StartOffset == StartLatest {
			start = broker.OffsetLatest
		}
	}

	reader, err := r.broker.OpenReader(ctx, claim.Topic, claim.Partition, start)
	if err != nil {
		return fmt.Errorf("open reader for %s: %w", claim, err)
	}
	defer reader.Close()

	log := r.log.With("claim", claim.String())
	log.Info("partition worker started", "start", start)

	for {
		msgs, err := reader.Fetch(ctx, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				r.commitFinal(claim, next, haveNext)
				return nil
			}
			if broker.IsTemporary(err) {
				fetchFailures.Inc()
				log.Warn("fetch failed, retrying", "error", err)
				if !wait(ctx, time.Second) {
					r.commitFinal(claim, next, haveNext)
					return nil
				}
				continue
			}
			r.commitFinal(claim, next, haveNext)
			return fmt.Errorf("fetch %s: %w", claim, err)
		}

		for _, msg := range msgs {
			if err := r.handle(ctx, claim, msg); err != nil {
				// Cancelled mid-event. Nothing past next is committed, so
				// redelivery replays the rest and the dedup markers absorb
				// the overlap.
				r.commitFinal(claim, next, haveNext)
				return nil
			}
			next = msg.Offset + 1
			haveNext = true
		}

		if len(msgs) > 0 {
			if err := r.offsets.Commit(ctx, claim, next); err != nil {
				if ctx.Err() != nil {
					r.commitFinal(claim, next, haveNext)
					return nil
				}
				// The applied work is safe either way: an uncommitted batch
				// is redelivered and deduplicated.
				log.Warn("offset commit failed", "next", next, "error", err)
			}
		}
	}
}

// handle takes one record through decode, apply and, if it comes to that,
// quarantine. A nil return means the partition may advance past the
// record; an error means ctx was cancelled before the record reached a
// durable outcome.
func (r *Runner) handle(ctx context.Context, claim coordinator.Claim, msg broker.Message) error {
	e, err := event.Decode(msg.Value)
	if err != nil {
		r.log.Warn("undecodable event", "claim", claim.String(), "offset", msg.Offset, "error", err)
		return r.quarantineMsg(ctx, msg, nil, decodeReason(err), 1, err)
	}

	log := r.log.With("claim", claim.String(), "offset", msg.Offset, "event_id", e.ID, "event_type", string(e.Type))

	for attempt := 1; ; attempt++ {
		err := r.applier.Apply(ctx, e)
		if err == nil {
			if attempt > 1 {
				log.Info("apply recovered", "attempt", attempt)
			}
			eventsApplied.WithLabelValues(claim.Topic).Inc()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if apply.IsPermanent(err) {
			log.Warn("event rejected", "error", err)
			return r.quarantineMsg(ctx, msg, e, dlq.ReasonApplyPermanent, attempt, err)
		}
		if r.cfg.Retry.Exhausted(attempt) {
			log.Warn("retry budget exhausted", "attempts", attempt, "error", err)
			return r.quarantineMsg(ctx, msg, e, dlq.ReasonApplyExhausted, attempt, err)
		}
		applyRetries.Inc()
		backoff := r.cfg.Retry.Backoff(attempt)
		log.Warn("apply failed, backing off", "attempt", attempt, "backoff", backoff, "error", err)
		if !wait(ctx, backoff) {
			return ctx.Err()
		}
	}
}

// quarantineMsg parks the record so the partition can move on. When the
// quarantine store itself is down the record is dropped after a second
// try; losing one event beats stalling the whole partition behind it.
func (r *Runner) quarantineMsg(ctx context.Context, msg broker.Message, e *event.Event, reason string, attempts int, cause error) error {
	entry := &dlq.Entry{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   msg.Value,
		Reason:    reason,
		Attempts:  attempts,
		LastError: cause.Error(),
	}
	if e != nil {
		entry.EventID = e.ID
		entry.EventType = string(e.Type)
	}

	var err error
	for try := 0; try < 2; try++ {
		if err = r.quarantine.Add(ctx, entry); err == nil {
			eventsQuarantined.WithLabelValues(msg.Topic, reason).Inc()
			r.log.Info("event quarantined", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", reason)
			return nil
		}
		if ctx.Err() != nil {
			// Not persisted and shutting down: leave the offset alone so
			// redelivery gets another chance to park it.
			return ctx.Err()
		}
		r.log.Warn("quarantine write failed", "error", err)
		if !wait(ctx, 100*time.Millisecond) {
			return ctx.Err()
		}
	}

	quarantineDrops.Inc()
	r.log.Error("dropping event, quarantine unavailable",
		"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", reason, "error", err)
	return nil
}

// commitFinal writes the applied position on a detached context; the run
// context is already cancelled by the time shutdown reaches here.
func (r *Runner) commitFinal(claim coordinator.Claim, next int64, haveNext bool) {
	if !haveNext {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.offsets.Commit(ctx, claim, next); err != nil {
		r.log.Warn("final offset commit failed", "claim", claim.String(), "next", next, "error", err)
	}
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, event.ErrUnknownType):
		return dlq.ReasonDecodeUnknownType
	case errors.Is(err, event.ErrUnknownVersion):
		return dlq.ReasonDecodeUnknownVersion
	default:
		return dlq.ReasonDecodeMalformed
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
