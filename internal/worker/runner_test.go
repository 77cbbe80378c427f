package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpipe/internal/apply"
	"taskpipe/internal/broker"
	"taskpipe/internal/broker/inmem"
	"taskpipe/internal/coordinator"
	"taskpipe/internal/dlq"
	"taskpipe/internal/domain/event"
	"taskpipe/internal/statestore"
)

var claim0 = coordinator.Claim{Topic: "task-events", Partition: 0}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// singlePartitionBroker routes everything to partition 0 so offsets are
// predictable.
func singlePartitionBroker() *inmem.Broker {
	b := inmem.New(func(key []byte, partitions int) int { return 0 })
	b.CreateTopic("task-events", 3)
	return b
}

func fastPolicy() dlq.Policy {
	return dlq.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 1.5}
}

func publishTask(t *testing.T, b *inmem.Broker, id string, taskID int64) {
	t.Helper()
	e := event.New(event.TaskCreated{TaskID: taskID, UserID: "u1", Title: fmt.Sprintf("task %d", taskID)})
	e.ID = id
	e.OccurredAt = time.Now().UTC()
	raw, err := event.Encode(e)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), "task-events", []byte(e.OwnerKey()), raw))
}

// recordingDownstream captures applied event ids in order. fail, when
// set, can reject an event before it is recorded; after runs once per
// successful apply with the running total, which tests use to cancel the
// runner at a known point.
type recordingDownstream struct {
	mu      sync.Mutex
	applied []string
	fail    func(e *event.Event) error
	after   func(total int)
}

func (d *recordingDownstream) Name() string { return "recorder" }

func (d *recordingDownstream) Apply(ctx context.Context, e *event.Event) error {
	if d.fail != nil {
		if err := d.fail(e); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.applied = append(d.applied, e.ID)
	n := len(d.applied)
	d.mu.Unlock()
	if d.after != nil {
		d.after(n)
	}
	return nil
}

func (d *recordingDownstream) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.applied...)
}

type fakeQuarantine struct {
	mu      sync.Mutex
	entries []dlq.Entry
	fail    int // Add calls left to fail
}

func (q *fakeQuarantine) Add(_ context.Context, e *dlq.Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail > 0 {
		q.fail--
		return errors.New("quarantine unavailable")
	}
	e.ID = int64(len(q.entries) + 1)
	e.QuarantinedAt = time.Now().UTC()
	q.entries = append(q.entries, *e)
	return nil
}

func (q *fakeQuarantine) List(_ context.Context, limit int) ([]dlq.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]dlq.Entry(nil), q.entries...), nil
}

func (q *fakeQuarantine) Get(_ context.Context, id int64) (*dlq.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, dlq.ErrNotFound
}

func (q *fakeQuarantine) MarkReplayed(_ context.Context, id int64) error { return nil }

func (q *fakeQuarantine) all() []dlq.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]dlq.Entry(nil), q.entries...)
}

func newRunner(b broker.Broker, store statestore.Store, q dlq.Store, d apply.Downstream, cfg Config) (*Runner, *coordinator.OffsetStore) {
	log := testLogger()
	applier := apply.NewApplier(store, time.Hour, log, d)
	offsets := coordinator.NewOffsetStore(store, "tasks")
	return New(b, applier, offsets, q, cfg, log), offsets
}

func TestRunnerAppliesInPublishOrder(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{after: func(n int) {
		if n == 5 {
			cancel()
		}
	}}
	runner, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})

	for i := 1; i <= 5; i++ {
		publishTask(t, b, fmt.Sprintf("e%d", i), int64(i))
	}

	require.NoError(t, runner.Run(ctx, claim0))

	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, rec.ids())
	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), next)
	assert.Empty(t, quarantine.all())
}

func TestRunnerResumesFromCommittedOffset(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	ctx1, cancel1 := context.WithCancel(context.Background())
	rec1 := &recordingDownstream{after: func(n int) {
		if n == 3 {
			cancel1()
		}
	}}
	runner1, _ := newRunner(b, store, quarantine, rec1, Config{Retry: fastPolicy()})
	for i := 1; i <= 3; i++ {
		publishTask(t, b, fmt.Sprintf("e%d", i), int64(i))
	}
	require.NoError(t, runner1.Run(ctx1, claim0))
	require.Equal(t, []string{"e1", "e2", "e3"}, rec1.ids())

	// A later run with the same group must pick up where the first left
	// off, not replay the log from the start.
	publishTask(t, b, "e4", 4)
	publishTask(t, b, "e5", 5)

	ctx2, cancel2 := context.WithCancel(context.Background())
	rec2 := &recordingDownstream{after: func(n int) {
		if n == 2 {
			cancel2()
		}
	}}
	runner2, offsets := newRunner(b, store, quarantine, rec2, Config{Retry: fastPolicy()})
	require.NoError(t, runner2.Run(ctx2, claim0))

	assert.Equal(t, []string{"e4", "e5"}, rec2.ids())
	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), next)
}

func TestRedeliveryIsAbsorbedByDedupMarkers(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	ctx1, cancel1 := context.WithCancel(context.Background())
	rec := &recordingDownstream{after: func(n int) {
		if n == 3 {
			cancel1()
		}
	}}
	runner1, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})
	for i := 1; i <= 3; i++ {
		publishTask(t, b, fmt.Sprintf("e%d", i), int64(i))
	}
	require.NoError(t, runner1.Run(ctx1, claim0))
	require.Equal(t, []string{"e1", "e2", "e3"}, rec.ids())

	// Pretend the offset commit was lost: rewind to zero and run again
	// over the same log with the same marker store.
	require.NoError(t, offsets.Commit(context.Background(), claim0, 0))

	runner2, _ := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})
	ctx2, cancel2 := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner2.Run(ctx2, claim0)
	}()

	// The batch is consumed and recommitted without a single reapply.
	require.Eventually(t, func() bool {
		next, ok, err := offsets.Load(context.Background(), claim0)
		return err == nil && ok && next == 3
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"e1", "e2", "e3"}, rec.ids())

	cancel2()
	<-done
}

func TestPoisonEventIsQuarantinedAfterRetries(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	var poisonTries int
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{
		fail: func(e *event.Event) error {
			if e.ID == "poison" {
				poisonTries++
				return apply.Transient(errors.New("downstream wobbling"))
			}
			return nil
		},
		after: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	runner, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})

	publishTask(t, b, "e1", 1)
	publishTask(t, b, "poison", 2)
	publishTask(t, b, "e2", 3)

	require.NoError(t, runner.Run(ctx, claim0))

	// The poison event burned its whole budget, was parked, and never
	// held up the events behind it.
	assert.Equal(t, []string{"e1", "e2"}, rec.ids())
	assert.Equal(t, 3, poisonTries)

	entries := quarantine.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "poison", entries[0].EventID)
	assert.Equal(t, string(event.TypeTaskCreated), entries[0].EventType)
	assert.Equal(t, dlq.ReasonApplyExhausted, entries[0].Reason)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "task-events", entries[0].Topic)
	assert.Equal(t, int64(1), entries[0].Offset)
	assert.Equal(t, "u1", entries[0].Key)

	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), next)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	var badTries int
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{
		fail: func(e *event.Event) error {
			if e.ID == "bad" {
				badTries++
				return apply.Permanent(errors.New("no such user"))
			}
			return nil
		},
		after: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}
	runner, _ := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})

	publishTask(t, b, "bad", 1)
	publishTask(t, b, "e1", 2)

	require.NoError(t, runner.Run(ctx, claim0))

	assert.Equal(t, 1, badTries)
	entries := quarantine.all()
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonApplyPermanent, entries[0].Reason)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Equal(t, []string{"e1"}, rec.ids())
}

func TestUndecodableRecordsAreQuarantined(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{after: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	runner, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})

	require.NoError(t, b.Publish(ctx, "task-events", []byte("u1"), []byte("{not json")))
	foreign := `{"event_type":"order.created","version":"1.0","timestamp":"2026-08-25T00:00:00Z","data":{}}`
	require.NoError(t, b.Publish(ctx, "task-events", []byte("u1"), []byte(foreign)))
	publishTask(t, b, "e1", 1)

	require.NoError(t, runner.Run(ctx, claim0))

	entries := quarantine.all()
	require.Len(t, entries, 2)
	assert.Equal(t, dlq.ReasonDecodeMalformed, entries[0].Reason)
	assert.Empty(t, entries[0].EventID)
	assert.Equal(t, dlq.ReasonDecodeUnknownType, entries[1].Reason)
	assert.Equal(t, []string{"e1"}, rec.ids())

	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(3), next)
}

func TestCancelDuringApplyCommitsOnlyFinishedWork(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{
		fail: func(e *event.Event) error {
			if e.ID == "e2" {
				cancel()
				return ctx.Err()
			}
			return nil
		},
	}
	runner, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})

	publishTask(t, b, "e1", 1)
	publishTask(t, b, "e2", 2)

	require.NoError(t, runner.Run(ctx, claim0))

	// e1 finished and is committed; e2 was interrupted, stays uncommitted
	// and unquarantined, and will be redelivered to the next holder.
	assert.Equal(t, []string{"e1"}, rec.ids())
	assert.Empty(t, quarantine.all())
	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), next)
}

func TestStartLatestSkipsHistory(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{after: func(n int) {
		if n == 1 {
			cancel()
		}
	}}
	runner, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy(), StartOffset: StartLatest})

	for i := 1; i <= 3; i++ {
		publishTask(t, b, fmt.Sprintf("old%d", i), int64(i))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = runner.Run(ctx, claim0)
	}()

	// Give the reader a moment to open at the log end, then publish.
	time.Sleep(50 * time.Millisecond)
	publishTask(t, b, "fresh", 4)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, []string{"fresh"}, rec.ids())
	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), next)
}

func TestQuarantineOutageDropsRatherThanStalls(t *testing.T) {
	b := singlePartitionBroker()
	store := statestore.NewMemory()
	quarantine := &fakeQuarantine{fail: 2}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &recordingDownstream{
		fail: func(e *event.Event) error {
			if e.ID == "bad" {
				return apply.Permanent(errors.New("rejected"))
			}
			return nil
		},
		after: func(n int) {
			if n == 1 {
				cancel()
			}
		},
	}
	runner, offsets := newRunner(b, store, quarantine, rec, Config{Retry: fastPolicy()})

	publishTask(t, b, "bad", 1)
	publishTask(t, b, "e1", 2)

	require.NoError(t, runner.Run(ctx, claim0))

	// Both quarantine attempts failed, the record was dropped and the
	// partition moved on.
	assert.Empty(t, quarantine.all())
	assert.Equal(t, []string{"e1"}, rec.ids())
	next, ok, err := offsets.Load(context.Background(), claim0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), next)
}
