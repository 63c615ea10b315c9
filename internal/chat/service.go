package chat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/minicom/internal/broadcast"
	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

const (
	roomPrefix      = "user_"
	roomDigestBytes = 8

	// MaxMessageLength bounds message content in bytes.
	MaxMessageLength = 4000
)

// Group and outbound event types.
const (
	EventChatMessage  = "chat_message"
	EventMessage      = "message"
	EventHistory      = "history"
	EventConversation = "conversation"
	EventRead         = "read"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d bytes", MaxMessageLength)
)

// RoomFor returns the group name of a visitor's conversation. The readable
// part is lossy (folded accents, replaced punctuation, truncation), so a
// digest of the address keeps distinct visitors in distinct rooms.
func RoomFor(email string) string {
	sum := sha256.Sum256([]byte(email))
	suffix := "_" + hex.EncodeToString(sum[:roomDigestBytes])

	readable := broadcast.SanitizeGroupName(roomPrefix + email)
	if limit := broadcast.MaxGroupNameLength - len(suffix); len(readable) > limit {
		readable = readable[:limit]
	}
	return readable + suffix
}

// Broadcaster sends a group event. *broadcast.Dispatcher implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, group string, ev domain.Event) broadcast.Report
}

// Service is the persistence side of the chat shared by websocket handlers
// and the HTTP API.
type Service struct {
	store       domain.MessageStore
	broadcaster Broadcaster
	loads       singleflight.Group
}

func NewService(store domain.MessageStore, b Broadcaster) *Service {
	return &Service{store: store, broadcaster: b}
}

// Save trims and stores a message.
func (s *Service) Save(ctx context.Context, email string, sender domain.SenderType, content string) (domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Message{}, ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return domain.Message{}, ErrMessageTooLong
	}

	msg, err := s.store.Save(ctx, email, sender, content)
	if err != nil {
		return domain.Message{}, err
	}
	metrics.ChatMessagesTotal.WithLabelValues(string(sender)).Inc()
	return msg, nil
}

// Post stores an admin message and broadcasts it to the visitor's room.
func (s *Service) Post(ctx context.Context, email, content string) (domain.Message, broadcast.Report, error) {
	msg, err := s.Save(ctx, email, domain.SenderAdmin, content)
	if err != nil {
		return domain.Message{}, broadcast.Report{}, err
	}
	report := s.broadcaster.Broadcast(ctx, RoomFor(email), ChatMessageEvent(msg))
	return msg, report, nil
}

// History loads a conversation, oldest first. Concurrent loads of the same
// conversation share one store query.
func (s *Service) History(ctx context.Context, email string) ([]domain.Message, error) {
	v, err, shared := s.loads.Do(email, func() (any, error) {
		msgs, err := s.store.History(ctx, email)
		return msgs, err
	})
	mode := "loaded"
	if shared {
		mode = "shared"
	}
	metrics.ChatHistoryLoads.WithLabelValues(mode).Inc()

	if err != nil {
		return nil, err
	}
	return v.([]domain.Message), nil
}

func (s *Service) Participants(ctx context.Context) ([]domain.Participant, error) {
	return s.store.Participants(ctx)
}

func (s *Service) MarkRead(ctx context.Context, email string) (int64, error) {
	return s.store.MarkRead(ctx, email)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ChatMessageEvent is the group event carrying a stored message.
func ChatMessageEvent(msg domain.Message) domain.Event {
	return domain.NewEvent(EventChatMessage, map[string]any{"message": msg})
}
