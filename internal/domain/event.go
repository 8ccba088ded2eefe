package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventConnected        EventType = "connected"
	EventResponseReceived EventType = "supplier_response_received"
	EventStatusChanged    EventType = "workflow_status_changed"
	EventMessageAdded     EventType = "message_added"
	EventPong             EventType = "pong"
)

// TimestampLayout is the UTC ISO-8601 form used on the wire.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is the envelope pushed to observers of a thread. Fields holds the
// kind-specific payload and is flattened next to the envelope keys when
// encoded.
type Event struct {
	Type      EventType
	ThreadID  string
	Timestamp time.Time
	Fields    map[string]any

	// Seq orders events delivered within one process. It is not encoded.
	Seq uint64
}

// NewEvent stamps an event with the current UTC time.
func NewEvent(typ EventType, threadID string, fields map[string]any) Event {
	return Event{Type: typ, ThreadID: threadID, Timestamp: time.Now().UTC(), Fields: fields}
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["thread_id"] = e.ThreadID
	out["timestamp"] = e.Timestamp.UTC().Format(TimestampLayout)
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, _ := raw["type"].(string)
	if typ == "" {
		return fmt.Errorf("event: missing type")
	}
	e.Type = EventType(typ)
	e.ThreadID, _ = raw["thread_id"].(string)
	if ts, ok := raw["timestamp"].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("event: bad timestamp %q: %w", ts, err)
		}
		e.Timestamp = t.UTC()
	}
	delete(raw, "type")
	delete(raw, "thread_id")
	delete(raw, "timestamp")
	e.Fields = raw
	return nil
}

// StatusChange is the payload of a workflow_status_changed event.
type StatusChange struct {
	Status    string
	IsPaused  bool
	NextStep  string
	RequestID string
	TriggerID string
	Reason    string
	Error     string
}

// Notifier publishes thread events. Implementations never fail the caller.
type Notifier interface {
	ResponseReceived(ctx context.Context, threadID, requestID, text string, responseType ResponseType)
	StatusChanged(ctx context.Context, threadID string, change StatusChange)
	MessageAdded(ctx context.Context, threadID, role, content, node string)
}
