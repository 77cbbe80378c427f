// Package event defines the task-domain events that flow through the
// pipeline and the versioned JSON envelope they travel in.
package event

import (
	"time"
)

type Type string

const (
	TypeTaskCreated       Type = "task.created"
	TypeTaskUpdated       Type = "task.updated"
	TypeTaskCompleted     Type = "task.completed"
	TypeTaskUncompleted   Type = "task.uncompleted"
	TypeTaskDeleted       Type = "task.deleted"
	TypeReminderScheduled Type = "reminder.scheduled"
	TypeReminderTriggered Type = "reminder.triggered"
)

// Class is the topic family of a type: "task" events and "reminder" events
// are published to different topics.
func (t Type) Class() string {
	for i := 0; i < len(t); i++ {
		if t[i] == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event is one task-domain fact. ID is globally unique and is the dedup
// identity: two deliveries with the same ID are the same logical event.
type Event struct {
	ID         string
	Type       Type
	Version    string // payload schema version, "MAJOR.MINOR"
	OccurredAt time.Time
	Payload    Payload
}

// OwnerKey is the partition key: all events of one user share a partition.
func (e *Event) OwnerKey() string { return e.Payload.Owner() }

// New builds an event around a payload. Type and version are derived from
// the payload; ID and OccurredAt are stamped by the producer on publish.
func New(payload Payload) *Event {
	t := payload.EventType()
	return &Event{
		Type:    t,
		Version: currentVersions[t],
		Payload: payload,
	}
}

// Payload is the typed body of an event, one variant per event type.
type Payload interface {
	EventType() Type
	// Owner returns the id of the user the event belongs to.
	Owner() string
}

type TaskCreated struct {
	TaskID      int64  `json:"task_id"`
	UserID      string `json:"user_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      string `json:"status,omitempty"`
	DueDate     string `json:"due_date,omitempty"` // ISO date
	Completed   bool   `json:"completed"`
}

func (p TaskCreated) EventType() Type { return TypeTaskCreated }
func (p TaskCreated) Owner() string   { return p.UserID }

// StringChange and BoolChange record one field transition on an update.
type StringChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type BoolChange struct {
	Old bool `json:"old"`
	New bool `json:"new"`
}

// Changes carries only the fields the update actually touched.
type Changes struct {
	Title       *StringChange `json:"title,omitempty"`
	Description *StringChange `json:"description,omitempty"`
	Priority    *StringChange `json:"priority,omitempty"`
	Category    *StringChange `json:"category,omitempty"`
	Status      *StringChange `json:"status,omitempty"`
	DueDate     *StringChange `json:"due_date,omitempty"`
	Completed   *BoolChange   `json:"completed,omitempty"`
}

// Fields lists the names of the fields the update touched, in schema order.
func (c Changes) Fields() []string {
	var out []string
	add := func(name string, set bool) {
		if set {
			out = append(out, name)
		}
	}
	add("title", c.Title != nil)
	add("description", c.Description != nil)
	add("priority", c.Priority != nil)
	add("category", c.Category != nil)
	add("status", c.Status != nil)
	add("due_date", c.DueDate != nil)
	add("completed", c.Completed != nil)
	return out
}

type TaskUpdated struct {
	TaskID  int64   `json:"task_id"`
	UserID  string  `json:"user_id"`
	Changes Changes `json:"changes"`
}

func (p TaskUpdated) EventType() Type { return TypeTaskUpdated }
func (p TaskUpdated) Owner() string   { return p.UserID }

// TaskCompletion covers both task.completed and task.uncompleted; the
// Completed flag picks the type.
type TaskCompletion struct {
	TaskID    int64  `json:"task_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed"`
}

func (p TaskCompletion) EventType() Type {
	if p.Completed {
		return TypeTaskCompleted
	}
	return TypeTaskUncompleted
}
func (p TaskCompletion) Owner() string { return p.UserID }

type TaskDeleted struct {
	TaskID int64  `json:"task_id"`
	UserID string `json:"user_id"`
}

func (p TaskDeleted) EventType() Type { return TypeTaskDeleted }
func (p TaskDeleted) Owner() string   { return p.UserID }

type ReminderScheduled struct {
	TaskID   int64  `json:"task_id"`
	UserID   string `json:"user_id"`
	Title    string `json:"title,omitempty"`
	DueDate  string `json:"due_date"`
	RemindAt string `json:"remind_at"`
}

func (p ReminderScheduled) EventType() Type { return TypeReminderScheduled }
func (p ReminderScheduled) Owner() string   { return p.UserID }

type ReminderTriggered struct {
	TaskID  int64  `json:"task_id"`
	UserID  string `json:"user_id"`
	Title   string `json:"title,omitempty"`
	DueDate string `json:"due_date,omitempty"`
}

func (p ReminderTriggered) EventType() Type { return TypeReminderTriggered }
func (p ReminderTriggered) Owner() string   { return p.UserID }

// TaskID extracts the task a payload refers to. Every variant carries one.
func TaskID(p Payload) int64 {
	switch v := p.(type) {
	case TaskCreated:
		return v.TaskID
	case TaskUpdated:
		return v.TaskID
	case TaskCompletion:
		return v.TaskID
	case TaskDeleted:
		return v.TaskID
	case ReminderScheduled:
		return v.TaskID
	case ReminderTriggered:
		return v.TaskID
	}
	return 0
}
