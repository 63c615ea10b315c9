package domain

import (
	"context"
	"time"
)

type SenderType string

const (
	SenderUser  SenderType = "user"
	SenderAdmin SenderType = "admin"
)

// Message is one persisted chat message in a participant's conversation.
type Message struct {
	ID               int64      `json:"id"`
	ParticipantEmail string     `json:"email"`
	SenderType       SenderType `json:"sender_type"`
	Content          string     `json:"content"`
	Timestamp        time.Time  `json:"timestamp"`
	IsRead           bool       `json:"is_read"`
}

// Participant summarizes one conversation.
type Participant struct {
	Email         string    `json:"email"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int64     `json:"unread_count"`
}

// MessageStore persists conversations. All failures wrap ErrStorage.
type MessageStore interface {
	Save(ctx context.Context, email string, sender SenderType, content string) (Message, error)
	History(ctx context.Context, email string) ([]Message, error)
	Participants(ctx context.Context) ([]Participant, error)
	MarkRead(ctx context.Context, email string) (int64, error)
	Ping(ctx context.Context) error
}
