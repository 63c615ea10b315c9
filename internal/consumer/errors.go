package consumer

import (
	"errors"
	"maps"

	"github.com/pscheid92/minicom/internal/domain"
)

// Error codes sent back to the client in {"type":"error"} events.
const (
	CodeUnknownEventType = "unknown_event_type"
	CodeInvalidEvent     = "invalid_event"
	CodeInvalidGroup     = "invalid_group"
	CodeStorageError     = "storage_error"
	CodeForbidden        = "forbidden"
	CodeHandlerError     = "handler_error"
)

// EventError lets a handler choose the error code reported to the client.
type EventError struct {
	Code string
	Err  error
}

func (e *EventError) Error() string { return e.Code + ": " + e.Err.Error() }
func (e *EventError) Unwrap() error { return e.Err }

// describe maps a handler error to the code and message shown to the client.
// Storage and unexpected errors get a generic message.
func describe(err error) (code, message string) {
	var ee *EventError
	switch {
	case errors.As(err, &ee):
		return ee.Code, ee.Err.Error()
	case errors.Is(err, domain.ErrStorage):
		return CodeStorageError, "storage unavailable"
	case errors.Is(err, domain.ErrInvalidGroupName):
		return CodeInvalidGroup, err.Error()
	case errors.Is(err, domain.ErrInvalidEvent):
		return CodeInvalidEvent, err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return CodeForbidden, "forbidden"
	default:
		return CodeHandlerError, "request failed"
	}
}

// ErrorEvent builds the error event sent to a client.
func ErrorEvent(code string, payload map[string]any) domain.Event {
	p := maps.Clone(payload)
	if p == nil {
		p = make(map[string]any, 1)
	}
	p["code"] = code
	return domain.NewEvent("error", p)
}
