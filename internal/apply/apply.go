// Package apply is the idempotent fan-out stage: one decoded event goes to
// every registered downstream exactly once in effect, however many times the
// broker delivers it. Dedup identity is (event_id, downstream name).
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"taskpipe/internal/domain/event"
	"taskpipe/internal/statestore"
)

var (
	appliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_apply_applied_total",
		Help: "Events applied, by downstream.",
	}, []string{"downstream"})
	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_apply_duplicates_total",
		Help: "Redeliveries skipped by the dedup marker, by downstream.",
	}, []string{"downstream"})
	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpipe_apply_failures_total",
		Help: "Apply attempts that returned an error, by downstream.",
	}, []string{"downstream"})
	applySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpipe_apply_seconds",
		Help:    "Single downstream apply latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"downstream"})
)

// Downstream is one named consumer of the event stream. Names are stable:
// they namespace dedup markers, so renaming a downstream replays history
// into it.
type Downstream interface {
	Name() string

	// Apply projects the event into the downstream. Implementations are
	// keyed idempotently on the event id (unique constraints, CAS guards),
	// so a crash between Apply and the dedup marker only costs a no-op
	// reapply. Events the downstream does not care about return nil.
	Apply(ctx context.Context, e *event.Event) error
}

type Applier struct {
	store       statestore.Store
	downstreams []Downstream
	markerTTL   time.Duration
	log         *slog.Logger
}

// NewApplier fans events out to the given downstreams in the given order.
// markerTTL bounds how long dedup markers live; it should cover the longest
// topic retention, after which the durable projection keys take over.
func NewApplier(store statestore.Store, markerTTL time.Duration, log *slog.Logger, downstreams ...Downstream) *Applier {
	return &Applier{
		store:       store,
		downstreams: downstreams,
		markerTTL:   markerTTL,
		log:         log,
	}
}

// Apply projects one event into every downstream. On error the whole call
// is retried by the worker; already-applied downstreams skip via their
// markers, so partial progress never doubles an effect.
func (a *Applier) Apply(ctx context.Context, e *event.Event) error {
	for _, d := range a.downstreams {
		if err := a.applyOne(ctx, d, e); err != nil {
			failuresTotal.WithLabelValues(d.Name()).Inc()
			return fmt.Errorf("apply %s to %s: %w", e.ID, d.Name(), err)
		}
	}
	return nil
}

func (a *Applier) applyOne(ctx context.Context, d Downstream, e *event.Event) error {
	key := markerKey(d.Name(), e.ID)

	_, err := a.store.Get(ctx, key)
	switch {
	case err == nil:
		duplicatesTotal.WithLabelValues(d.Name()).Inc()
		a.log.Debug("duplicate delivery skipped", "event_id", e.ID, "downstream", d.Name())
		return nil
	case !errors.Is(err, statestore.ErrNotFound):
		return Transient(fmt.Errorf("dedup check: %w", err))
	}

	start := time.Now()
	if err := d.Apply(ctx, e); err != nil {
		return err
	}
	applySeconds.WithLabelValues(d.Name()).Observe(time.Since(start).Seconds())
	appliedTotal.WithLabelValues(d.Name()).Inc()

	marker := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := a.store.Set(ctx, key, marker, a.markerTTL); err != nil {
		// The effect landed; the downstream's own idempotence keys absorb
		// the redelivery this missing marker allows.
		a.log.Warn("dedup marker write failed", "event_id", e.ID, "downstream", d.Name(), "error", err)
	}
	return nil
}

func markerKey(downstream, eventID string) string {
	return fmt.Sprintf("dedup:%s:%s", downstream, eventID)
}
