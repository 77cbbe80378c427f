package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"taskpipe/internal/apply"
	"taskpipe/internal/domain/event"
	"taskpipe/internal/statestore"
)

// reminderNamespace makes reminder event ids a pure function of the
// completion event that caused them, so a retried apply publishes the same
// reminder id and the dedup layer absorbs the duplicate.
var reminderNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Recurrence is the per-task schedule state, stored at recurrence:{task_id}.
type Recurrence struct {
	Pattern        string `json:"pattern"`
	Interval       int    `json:"interval"`
	NextDue        string `json:"next_due"` // ISO date
	EndDate        string `json:"end_date,omitempty"`
	MaxOccurrences int    `json:"max_occurrences,omitempty"`
	Occurrences    int    `json:"occurrences"`
	LastEventID    string `json:"last_event_id,omitempty"`
	Done           bool   `json:"done,omitempty"`
}

// exhausted reports whether the schedule ends before next comes due.
func (s Recurrence) exhausted(next time.Time) bool {
	if s.MaxOccurrences > 0 && s.Occurrences >= s.MaxOccurrences {
		return true
	}
	if s.EndDate != "" {
		if end, err := time.Parse(DateLayout, s.EndDate); err == nil && next.After(end) {
			return true
		}
	}
	return false
}

// StateKey is where a task's recurrence state lives in the state store.
func StateKey(taskID int64) string {
	return fmt.Sprintf("recurrence:%d", taskID)
}

// Seed registers recurrence state for a task. The task service calls this
// when a user makes a task recurring.
func Seed(ctx context.Context, store statestore.Store, taskID int64, st Recurrence) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal recurrence: %w", err)
	}
	if err := store.Set(ctx, StateKey(taskID), raw, statestore.NoTTL); err != nil {
		return fmt.Errorf("seed recurrence for task %d: %w", taskID, err)
	}
	return nil
}

// ReminderPublisher is the slice of the producer this downstream needs.
type ReminderPublisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// Recurring advances a task's schedule when it is completed and announces
// the next occurrence as a reminder.scheduled event.
type Recurring struct {
	store      statestore.Store
	pub        ReminderPublisher
	log        *slog.Logger
	remindLead time.Duration
}

func NewRecurring(store statestore.Store, pub ReminderPublisher, log *slog.Logger) *Recurring {
	return &Recurring{
		store:      store,
		pub:        pub,
		log:        log,
		remindLead: 24 * time.Hour,
	}
}

func (r *Recurring) Name() string { return "recurring-task" }

func (r *Recurring) Apply(ctx context.Context, e *event.Event) error {
	p, ok := e.Payload.(event.TaskCompletion)
	if !ok || !p.Completed {
		return nil // only completions advance a schedule
	}

	key := StateKey(p.TaskID)
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil // not a recurring task
	}
	if err != nil {
		return apply.Transient(fmt.Errorf("load recurrence: %w", err))
	}

	var st Recurrence
	if err := json.Unmarshal(raw, &st); err != nil {
		return apply.Permanent(fmt.Errorf("recurrence state for task %d is corrupt: %w", p.TaskID, err))
	}
	if st.Done || st.LastEventID == e.ID {
		return nil
	}

	next, err := NextDueDate(st.NextDue, st.Pattern, st.Interval)
	if err != nil {
		return apply.Permanent(fmt.Errorf("advance recurrence for task %d: %w", p.TaskID, err))
	}

	advanced := st
	advanced.Occurrences++
	advanced.LastEventID = e.ID
	advanced.NextDue = next.Format(DateLayout)
	advanced.Done = advanced.exhausted(next)

	if !advanced.Done {
		// Publish before advancing: a crash in between republishes the same
		// deterministic reminder id, which the dedup layer absorbs. The
		// other order would lose the reminder.
		rem := event.New(event.ReminderScheduled{
			TaskID:   p.TaskID,
			UserID:   p.UserID,
			Title:    p.Title,
			DueDate:  advanced.NextDue,
			RemindAt: next.Add(-r.remindLead).UTC().Format(time.RFC3339),
		})
		rem.ID = uuid.NewSHA1(reminderNamespace, []byte(e.ID)).String()
		if err := r.pub.Publish(ctx, rem); err != nil {
			return apply.Transient(fmt.Errorf("publish reminder: %w", err))
		}
	}

	newRaw, err := json.Marshal(advanced)
	if err != nil {
		return fmt.Errorf("marshal recurrence: %w", err)
	}
	swapped, err := r.store.CompareAndSwap(ctx, key, raw, newRaw, statestore.NoTTL)
	if err != nil {
		return apply.Transient(fmt.Errorf("advance recurrence: %w", err))
	}
	if !swapped {
		// Lost a race with another applier; the retry re-reads the state
		// and sees last_event_id if the race already covered this event.
		return apply.Transient(errors.New("recurrence state changed underneath"))
	}

	if advanced.Done {
		r.log.Info("recurrence exhausted", "task_id", p.TaskID, "occurrences", advanced.Occurrences)
	} else {
		r.log.Debug("recurrence advanced", "task_id", p.TaskID, "next_due", advanced.NextDue)
	}
	return nil
}
