package domain

import "github.com/google/uuid"

// ConnectionID identifies one open connection. It is never reused.
type ConnectionID uuid.UUID

// NewConnectionID returns a fresh random connection id.
func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New())
}

// ParseConnectionID parses the canonical string form.
func ParseConnectionID(s string) (ConnectionID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ConnectionID{}, err
	}
	return ConnectionID(id), nil
}

func (id ConnectionID) String() string {
	return uuid.UUID(id).String()
}
