package domain

import "errors"

// Registry and group table
var (
	ErrDuplicateID       = errors.New("connection id already registered")
	ErrNotFound          = errors.New("connection not found")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrInvalidGroupName  = errors.New("invalid group name")
	ErrSlowConsumer      = errors.New("slow consumer")
)

// Session lifecycle and routing
var (
	ErrNotAccepted        = errors.New("connection not accepted")
	ErrNotOpen            = errors.New("session is not open")
	ErrConnectionRejected = errors.New("connection rejected")
	ErrUnknownEventType   = errors.New("unknown event type")
	ErrInvalidEvent       = errors.New("invalid event")
)

// External collaborators
var (
	ErrStorage      = errors.New("storage error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)
