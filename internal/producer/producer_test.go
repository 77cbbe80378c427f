package producer

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

	"taskpipe/internal/broker"
	"taskpipe/internal/dlq"
	"taskpipe/internal/domain/event"
)

type pub struct {
	topic string
	key   string
	value []byte
}

// fakeBroker records publishes and fails them according to the fail hook.
type fakeBroker struct {
	mu    sync.Mutex
	calls []pub
	fail  func(call int, topic string) error
}

func (f *fakeBroker) Publish(_ context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pub{topic: topic, key: string(key), value: value})
	if f.fail != nil {
		return f.fail(len(f.calls), topic)
	}
	return nil
}

func (f *fakeBroker) Partitions(context.Context, string) (int, error) { return 3, nil }

func (f *fakeBroker) OpenReader(context.Context, string, int, int64) (broker.Reader, error) {
	return nil, errors.New("not a consumer")
}

func (f *fakeBroker) Close() error { return nil }

func (f *fakeBroker) published() []pub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pub(nil), f.calls...)
}

// tempErr mimics a retryable broker condition.
type tempErr struct{}

func (tempErr) Error() string   { return "leader not available" }
func (tempErr) Temporary() bool { return true }

func testTopics() Topics {
	return Topics{
		TaskEvents:  broker.TopicSpec{Name: "task-events", Partitions: 3, Retention: 7 * 24 * time.Hour},
		Reminders:   broker.TopicSpec{Name: "reminders", Partitions: 3, Retention: 24 * time.Hour},
		TaskUpdates: broker.TopicSpec{Name: "task-updates", Partitions: 3, Retention: time.Hour},
	}
}

func fastRetry(attempts int) dlq.Policy {
	return dlq.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishStampsAndRoutes(t *testing.T) {
	fb := &fakeBroker{}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(3)}, testLogger())

	e := event.New(event.TaskCreated{TaskID: 1, UserID: "user-1", Title: "t"})
	require.Empty(t, e.ID)
	require.True(t, e.OccurredAt.IsZero())

	require.NoError(t, p.Publish(context.Background(), e))

	assert.NotEmpty(t, e.ID, "publish must stamp the event id")
	assert.False(t, e.OccurredAt.IsZero(), "publish must stamp occurred-at")

	pubs := fb.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "task-events", pubs[0].topic)
	assert.Equal(t, "user-1", pubs[0].key)

	decoded, err := event.Decode(pubs[0].value)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, event.TypeTaskCreated, decoded.Type)
}

func TestPublishReminderGoesToRemindersTopic(t *testing.T) {
	fb := &fakeBroker{}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(3)}, testLogger())

	e := event.New(event.ReminderTriggered{TaskID: 2, UserID: "user-2", DueDate: "2026-09-01"})
	require.NoError(t, p.Publish(context.Background(), e))

	pubs := fb.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "reminders", pubs[0].topic)
}

func TestPublishRetriesTransientErrors(t *testing.T) {
	fb := &fakeBroker{fail: func(call int, _ string) error {
		if call <= 2 {
			return tempErr{}
		}
		return nil
	}}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(5)}, testLogger())

	e := event.New(event.TaskDeleted{TaskID: 3, UserID: "user-3"})
	require.NoError(t, p.Publish(context.Background(), e))
	assert.Len(t, fb.published(), 3, "two transient failures then success")
}

func TestPublishExhaustsRetryBudget(t *testing.T) {
	fb := &fakeBroker{fail: func(int, string) error { return tempErr{} }}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(3), BreakerThreshold: 100}, testLogger())

	e := event.New(event.TaskDeleted{TaskID: 4, UserID: "user-4"})
	err := p.Publish(context.Background(), e)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, fb.published(), 3, "budget is total attempts, not retries")
}

func TestPublishDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("message too large")
	fb := &fakeBroker{fail: func(int, string) error { return permanent }}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(5)}, testLogger())

	e := event.New(event.TaskDeleted{TaskID: 5, UserID: "user-5"})
	err := p.Publish(context.Background(), e)

	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Len(t, fb.published(), 1)
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	fb := &fakeBroker{fail: func(int, string) error { return tempErr{} }}
	p := New(fb, Config{
		Topics:           testTopics(),
		Retry:            fastRetry(1),
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	}, testLogger())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e := event.New(event.TaskDeleted{TaskID: int64(i), UserID: "user-6"})
		require.Error(t, p.Publish(ctx, e))
	}
	require.Len(t, fb.published(), 2)

	// Circuit is open now: no broker call, immediate unavailability.
	e := event.New(event.TaskDeleted{TaskID: 9, UserID: "user-6"})
	err := p.Publish(ctx, e)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Len(t, fb.published(), 2, "open breaker must not reach the broker")
}

func TestMirrorPublishesTaskEvents(t *testing.T) {
	fb := &fakeBroker{}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(3), MirrorUpdates: true}, testLogger())

	ctx := context.Background()
	require.NoError(t, p.Publish(ctx, event.New(event.TaskCreated{TaskID: 1, UserID: "u", Title: "t"})))
	require.NoError(t, p.Publish(ctx, event.New(event.ReminderTriggered{TaskID: 2, UserID: "u", DueDate: "2026-09-01"})))

	var topics []string
	for _, pb := range fb.published() {
		topics = append(topics, pb.topic)
	}
	assert.Equal(t, []string{"task-events", "task-updates", "reminders"}, topics,
		"task events are mirrored, reminders are not")
}

func TestMirrorFailureDoesNotFailPublish(t *testing.T) {
	fb := &fakeBroker{fail: func(_ int, topic string) error {
		if topic == "task-updates" {
			return errors.New("mirror down")
		}
		return nil
	}}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(3), MirrorUpdates: true}, testLogger())

	e := event.New(event.TaskCreated{TaskID: 1, UserID: "u", Title: "t"})
	assert.NoError(t, p.Publish(context.Background(), e))
}

func TestPublishRejectsUnroutableEvents(t *testing.T) {
	p := New(&fakeBroker{}, Config{Topics: testTopics(), Retry: fastRetry(3)}, testLogger())

	err := p.Publish(context.Background(), nil)
	assert.Error(t, err)

	err = p.Publish(context.Background(), &event.Event{Type: "weird.thing", Payload: oddPayload{}})
	assert.ErrorContains(t, err, "no topic")
}

type oddPayload struct{}

func (oddPayload) EventType() event.Type { return "weird.thing" }
func (oddPayload) Owner() string         { return "u" }

func TestStampsAreStrictlyMonotonic(t *testing.T) {
	prev := stamp()
	for i := 0; i < 1000; i++ {
		next := stamp()
		require.True(t, next.After(prev), "stamp %d went backwards: %v then %v", i, prev, next)
		prev = next
	}
}

func TestStampsUniqueUnderConcurrency(t *testing.T) {
	const goroutines, perG = 8, 200

	var mu sync.Mutex
	seen := make(map[int64]bool, goroutines*perG)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perG)
			for i := 0; i < perG; i++ {
				local = append(local, stamp().UnixNano())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, ns := range local {
				assert.False(t, seen[ns], "duplicate stamp %d", ns)
				seen[ns] = true
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*perG)
}

func TestPublishedEventsCarryIncreasingTimestamps(t *testing.T) {
	fb := &fakeBroker{}
	p := New(fb, Config{Topics: testTopics(), Retry: fastRetry(3)}, testLogger())

	ctx := context.Background()
	var prev time.Time
	for i := 0; i < 50; i++ {
		e := event.New(event.TaskCreated{TaskID: int64(i), UserID: "same-owner", Title: fmt.Sprintf("t%d", i)})
		require.NoError(t, p.Publish(ctx, e))
		if i > 0 {
			require.True(t, e.OccurredAt.After(prev), "occurred-at must increase per owner")
		}
		prev = e.OccurredAt
	}
}
