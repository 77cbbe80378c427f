package downstream

import (
	"context"
	"fmt"
	"strings"

	"taskpipe/internal/domain/event"
	"taskpipe/internal/infrastructure/postgres"
)

// NotificationStore is the slice of the notification repository this
// downstream needs.
type NotificationStore interface {
	Create(ctx context.Context, n *postgres.Notification) (bool, error)
}

// Notifier turns events into user-facing notification rows.
type Notifier struct {
	store NotificationStore
}

func NewNotifier(store NotificationStore) *Notifier {
	return &Notifier{store: store}
}

func (n *Notifier) Name() string { return "notification" }

func (n *Notifier) Apply(ctx context.Context, e *event.Event) error {
	kind, title, body := compose(e)

	_, err := n.store.Create(ctx, &postgres.Notification{
		EventID: e.ID,
		Owner:   e.OwnerKey(),
		TaskID:  event.TaskID(e.Payload),
		Kind:    kind,
		Title:   title,
		Body:    body,
	})
	return classify(err)
}

// compose builds the message for an event. Every pipeline event is
// user-visible and gets a kind, a short title and a one-line body.
func compose(e *event.Event) (kind, title, body string) {
	switch p := e.Payload.(type) {
	case event.TaskCreated:
		return "task_created", "Task created", fmt.Sprintf("%q was added to your list.", p.Title)
	case event.TaskUpdated:
		fields := p.Changes.Fields()
		if len(fields) == 0 {
			return "task_updated", "Task updated", fmt.Sprintf("Task #%d was updated.", p.TaskID)
		}
		return "task_updated", "Task updated",
			fmt.Sprintf("Task #%d changed: %s.", p.TaskID, strings.Join(fields, ", "))
	case event.TaskCompletion:
		if p.Completed {
			return "task_completed", "Task completed", fmt.Sprintf("%q is done.", p.Title)
		}
		return "task_uncompleted", "Task reopened", fmt.Sprintf("%q was marked not done.", p.Title)
	case event.TaskDeleted:
		return "task_deleted", "Task deleted", fmt.Sprintf("Task #%d was removed.", p.TaskID)
	case event.ReminderScheduled:
		return "reminder_scheduled", "Reminder scheduled",
			fmt.Sprintf("%q is due %s; you will be reminded at %s.", p.Title, p.DueDate, p.RemindAt)
	case event.ReminderTriggered:
		return "reminder", "Reminder", fmt.Sprintf("%q is due %s.", p.Title, p.DueDate)
	}
	return "event", "Activity", fmt.Sprintf("Something happened on task #%d.", event.TaskID(e.Payload))
}
