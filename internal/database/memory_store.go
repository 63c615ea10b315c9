package database

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/minicom/internal/domain"
)

// MemoryStore is an in-process domain.MessageStore. Messages are lost on
// restart.
type MemoryStore struct {
	mu       sync.RWMutex
	clock    clockwork.Clock
	nextID   int64
	messages []domain.Message
}

var _ domain.MessageStore = (*MemoryStore)(nil)

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{clock: clock}
}

func (s *MemoryStore) Save(_ context.Context, email string, sender domain.SenderType, content string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	m := domain.Message{
		ID:               s.nextID,
		ParticipantEmail: email,
		SenderType:       sender,
		Content:          content,
		Timestamp:        s.clock.Now().UTC(),
	}
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *MemoryStore) History(_ context.Context, email string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Message{}
	for _, m := range s.messages {
		if m.ParticipantEmail == email {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) Participants(_ context.Context) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byEmail := make(map[string]*domain.Participant)
	for _, m := range s.messages {
		p, ok := byEmail[m.ParticipantEmail]
		if !ok {
			p = &domain.Participant{Email: m.ParticipantEmail}
			byEmail[m.ParticipantEmail] = p
		}
		if m.Timestamp.After(p.LastMessageAt) {
			p.LastMessageAt = m.Timestamp
		}
		if m.SenderType == domain.SenderUser && !m.IsRead {
			p.UnreadCount++
		}
	}

	out := make([]domain.Participant, 0, len(byEmail))
	for _, p := range byEmail {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b domain.Participant) int {
		return cmp.Compare(a.Email, b.Email)
	})
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, email string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for i := range s.messages {
		m := &s.messages[i]
		if m.ParticipantEmail == email && m.SenderType == domain.SenderUser && !m.IsRead {
			m.IsRead = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
