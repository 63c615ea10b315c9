package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Event is a typed record exchanged over a connection or broadcast to a group.
// On the wire it is a flat JSON object whose "type" key is the discriminator.
type Event struct {
	Type    string
	Payload map[string]any
}

// NewEvent builds an event. The payload map is copied.
func NewEvent(eventType string, payload map[string]any) Event {
	p := make(map[string]any, len(payload))
	maps.Copy(p, payload)
	delete(p, "type")
	return Event{Type: eventType, Payload: p}
}

// Get returns a payload value, or nil.
func (e Event) Get(key string) any {
	if e.Payload == nil {
		return nil
	}
	return e.Payload[key]
}

// String returns a payload value as a string, or "" if absent or not a string.
func (e Event) String(key string) string {
	s, _ := e.Get(key).(string)
	return s
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+1)
	maps.Copy(out, e.Payload)
	out["type"] = e.Type
	return json.Marshal(out)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	eventType, _ := raw["type"].(string)
	if eventType == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	delete(raw, "type")
	e.Type = eventType
	e.Payload = raw
	return nil
}

// DecodeEvent parses a raw JSON frame.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return Event{}, err
		}
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}
