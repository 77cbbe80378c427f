package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWireShape(t *testing.T) {
	e := New(TaskCreated{
		TaskID:    42,
		UserID:    "user-7",
		Title:     "write report",
		Priority:  "high",
		DueDate:   "2026-09-01",
		Completed: false,
	})
	e.ID = "11111111-2222-3333-4444-555555555555"
	e.OccurredAt = time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	raw, err := Encode(e)
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &top))

	// Exactly the four envelope fields at the top level.
	assert.Len(t, top, 4)
	for _, field := range []string{"event_type", "version", "timestamp", "data"} {
		assert.Contains(t, top, field)
	}

	var envTop struct {
		EventType string `json:"event_type"`
		Version   string `json:"version"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(raw, &envTop))
	assert.Equal(t, "task.created", envTop.EventType)
	assert.Equal(t, "1.0", envTop.Version)
	assert.Equal(t, "2026-08-25T10:30:00Z", envTop.Timestamp)

	// Identity fields ride inside data.
	var data map[string]any
	require.NoError(t, json.Unmarshal(top["data"], &data))
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", data["event_id"])
	assert.Equal(t, "user-7", data["user_id"])
	assert.Equal(t, float64(42), data["task_id"])
	assert.Equal(t, "write report", data["title"])
}

func TestRoundTripAllVariants(t *testing.T) {
	occurred := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	payloads := []Payload{
		TaskCreated{TaskID: 1, UserID: "u1", Title: "a", Description: "d", Priority: "low", Category: "home", Status: "open", DueDate: "2026-09-01"},
		TaskUpdated{TaskID: 2, UserID: "u2", Changes: Changes{
			Title:     &StringChange{Old: "a", New: "b"},
			Completed: &BoolChange{Old: false, New: true},
		}},
		TaskCompletion{TaskID: 3, UserID: "u3", Title: "c", Completed: true},
		TaskCompletion{TaskID: 4, UserID: "u4", Title: "d", Completed: false},
		TaskDeleted{TaskID: 5, UserID: "u5"},
		ReminderScheduled{TaskID: 6, UserID: "u6", Title: "f", DueDate: "2026-09-02", RemindAt: "2026-09-01T09:00:00Z"},
		ReminderTriggered{TaskID: 7, UserID: "u7", Title: "g", DueDate: "2026-09-03"},
	}

	for _, p := range payloads {
		t.Run(string(p.EventType()), func(t *testing.T) {
			e := New(p)
			e.ID = "id-" + string(p.EventType())
			e.OccurredAt = occurred

			raw, err := Encode(e)
			require.NoError(t, err)

			back, err := Decode(raw)
			require.NoError(t, err)
			assert.Equal(t, e.ID, back.ID)
			assert.Equal(t, e.Type, back.Type)
			assert.Equal(t, "1.0", back.Version)
			assert.True(t, occurred.Equal(back.OccurredAt))
			assert.Equal(t, p, back.Payload)
			assert.Equal(t, p.Owner(), back.OwnerKey())
		})
	}
}

func TestCompletionFlagPicksType(t *testing.T) {
	assert.Equal(t, TypeTaskCompleted, TaskCompletion{Completed: true}.EventType())
	assert.Equal(t, TypeTaskUncompleted, TaskCompletion{Completed: false}.EventType())
}

func TestEncodeRejectsInvalidEvents(t *testing.T) {
	valid := func() *Event {
		e := New(TaskDeleted{TaskID: 1, UserID: "u"})
		e.ID = "id-1"
		e.OccurredAt = time.Now()
		return e
	}

	tests := []struct {
		name   string
		mutate func(*Event)
	}{
		{"missing id", func(e *Event) { e.ID = "" }},
		{"zero occurred-at", func(e *Event) { e.OccurredAt = time.Time{} }},
		{"nil payload", func(e *Event) { e.Payload = nil }},
		{"no owner", func(e *Event) { e.Payload = TaskDeleted{TaskID: 1} }},
		{"type mismatch", func(e *Event) { e.Type = TypeTaskCreated }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			_, err := Encode(e)
			assert.Error(t, err)
		})
	}
}

func TestDecodeErrorTaxonomy(t *testing.T) {
	goodData := `{"event_id":"e1","task_id":1,"user_id":"u1"}`

	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{{{`, ErrMalformed},
		{"missing event_type", `{"version":"1.0","timestamp":"2026-08-25T09:00:00Z","data":` + goodData + `}`, ErrMalformed},
		{"missing version", `{"event_type":"task.deleted","timestamp":"2026-08-25T09:00:00Z","data":` + goodData + `}`, ErrMalformed},
		{"missing timestamp", `{"event_type":"task.deleted","version":"1.0","data":` + goodData + `}`, ErrMalformed},
		{"bad timestamp", `{"event_type":"task.deleted","version":"1.0","timestamp":"yesterday","data":` + goodData + `}`, ErrMalformed},
		{"missing data", `{"event_type":"task.deleted","version":"1.0","timestamp":"2026-08-25T09:00:00Z"}`, ErrMalformed},
		{"bad version string", `{"event_type":"task.deleted","version":"one","timestamp":"2026-08-25T09:00:00Z","data":` + goodData + `}`, ErrMalformed},
		{"missing event_id", `{"event_type":"task.deleted","version":"1.0","timestamp":"2026-08-25T09:00:00Z","data":{"task_id":1,"user_id":"u1"}}`, ErrMalformed},
		{"missing user_id", `{"event_type":"task.deleted","version":"1.0","timestamp":"2026-08-25T09:00:00Z","data":{"event_id":"e1","task_id":1}}`, ErrMalformed},
		{"unknown type", `{"event_type":"task.archived","version":"1.0","timestamp":"2026-08-25T09:00:00Z","data":` + goodData + `}`, ErrUnknownType},
		{"future major", `{"event_type":"task.deleted","version":"2.0","timestamp":"2026-08-25T09:00:00Z","data":` + goodData + `}`, ErrUnknownVersion},
		{"future minor", `{"event_type":"task.deleted","version":"1.9","timestamp":"2026-08-25T09:00:00Z","data":` + goodData + `}`, ErrUnknownVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeIgnoresUnknownDataFields(t *testing.T) {
	raw := `{
		"event_type": "task.created",
		"version": "1.0",
		"timestamp": "2026-08-25T09:00:00Z",
		"data": {"event_id":"e9","task_id":9,"user_id":"u9","title":"t","color":"purple","labels":["a"]}
	}`
	e, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "e9", e.ID)
	assert.Equal(t, TaskCreated{TaskID: 9, UserID: "u9", Title: "t"}, e.Payload)
}

func TestTypeClass(t *testing.T) {
	assert.Equal(t, "task", TypeTaskCreated.Class())
	assert.Equal(t, "task", TypeTaskUncompleted.Class())
	assert.Equal(t, "reminder", TypeReminderTriggered.Class())
	assert.Equal(t, "reminder", TypeReminderScheduled.Class())
}
