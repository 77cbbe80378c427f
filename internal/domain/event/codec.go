package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decode failure kinds. All of them route the raw message to quarantine;
// none of them may take the worker down.
var (
	ErrMalformed      = errors.New("event: malformed envelope")
	ErrUnknownType    = errors.New("event: unknown event type")
	ErrUnknownVersion = errors.New("event: unsupported schema version")
)

// currentVersions is the schema version the codec writes per type, and the
// ceiling it accepts on decode. Versions move independently per type.
var currentVersions = map[Type]string{
	TypeTaskCreated:       "1.0",
	TypeTaskUpdated:       "1.0",
	TypeTaskCompleted:     "1.0",
	TypeTaskUncompleted:   "1.0",
	TypeTaskDeleted:       "1.0",
	TypeReminderScheduled: "1.0",
	TypeReminderTriggered: "1.0",
}

// envelope is the wire shape. Exactly these four top-level fields; the
// event id and owner ride inside data.
type envelope struct {
	EventType Type            `json:"event_type"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode serializes the event into the wire envelope. The event must carry
// an ID, an occurred-at stamp, an owner and a payload matching its type.
func Encode(e *Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.New("event: nil payload")
	}
	if e.ID == "" {
		return nil, errors.New("event: empty id")
	}
	if e.OccurredAt.IsZero() {
		return nil, errors.New("event: zero occurred-at")
	}
	if e.Payload.Owner() == "" {
		return nil, errors.New("event: payload has no owner")
	}
	if got := e.Payload.EventType(); got != e.Type {
		return nil, fmt.Errorf("event: payload type %s does not match event type %s", got, e.Type)
	}
	version := e.Version
	if version == "" {
		version = currentVersions[e.Type]
	}

	data, err := encodeData(e.ID, e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		EventType: e.Type,
		Version:   version,
		Timestamp: e.OccurredAt.UTC(),
		Data:      data,
	})
}

// Decode parses a wire envelope back into a typed event. Failures wrap
// ErrMalformed, ErrUnknownType or ErrUnknownVersion. Unknown fields inside
// data are ignored so minor schema additions stay decodable.
func Decode(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch {
	case env.EventType == "":
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformed)
	case env.Version == "":
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	case env.Timestamp.IsZero():
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	case len(env.Data) == 0:
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}

	current, ok := currentVersions[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.EventType)
	}
	got, err := parseVersion(env.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q", ErrMalformed, env.Version)
	}
	ceil, err := parseVersion(current)
	if err != nil {
		return nil, fmt.Errorf("event: bad current version %q for %s: %v", current, env.EventType, err)
	}
	if got.major != ceil.major || got.minor > ceil.minor {
		return nil, fmt.Errorf("%w: %s %s, supported up to %s", ErrUnknownVersion, env.EventType, env.Version, current)
	}

	payload, err := decodePayload(env.EventType, env.Data)
	if err != nil {
		return nil, err
	}

	var header struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(env.Data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if header.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformed)
	}
	if payload.Owner() == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrMalformed)
	}

	return &Event{
		ID:         header.EventID,
		Type:       env.EventType,
		Version:    env.Version,
		OccurredAt: env.Timestamp,
		Payload:    payload,
	}, nil
}

// encodeData splices the event id into the payload's JSON object. Key order
// is not part of the contract; map marshaling keeps it deterministic.
func encodeData(id string, p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: marshal payload: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("event: payload is not an object: %w", err)
	}
	fields["event_id"] = json.RawMessage(strconv.Quote(id))
	return json.Marshal(fields)
}

// decodePayload unmarshals data into the variant for t. Fields the variant
// does not declare, event_id included, are ignored by encoding/json.
func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch t {
	case TypeTaskCreated:
		var v TaskCreated
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTaskUpdated:
		var v TaskUpdated
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTaskCompleted, TypeTaskUncompleted:
		var v TaskCompletion
		err = json.Unmarshal(data, &v)
		p = v
	case TypeTaskDeleted:
		var v TaskDeleted
		err = json.Unmarshal(data, &v)
		p = v
	case TypeReminderScheduled:
		var v ReminderScheduled
		err = json.Unmarshal(data, &v)
		p = v
	case TypeReminderTriggered:
		var v ReminderTriggered
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformed, t, err)
	}
	return p, nil
}

type version struct {
	major, minor int
}

func parseVersion(s string) (version, error) {
	majorStr, minorStr, ok := strings.Cut(s, ".")
	if !ok {
		return version{}, fmt.Errorf("version %q is not MAJOR.MINOR", s)
	}
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return version{}, fmt.Errorf("version %q: %w", s, err)
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return version{}, fmt.Errorf("version %q: %w", s, err)
	}
	return version{major: major, minor: minor}, nil
}
