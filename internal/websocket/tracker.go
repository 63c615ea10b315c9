package websocket

import (
	"context"
	"sync"

	"github.com/pscheid92/minicom/internal/domain"
)

// Closable is a live session as seen by the Tracker.
type Closable interface {
	ID() domain.ConnectionID
	Disconnect(ctx context.Context, reason string)
	Done() <-chan struct{}
}

// Tracker keeps the live sessions of this process so they can be closed
// together on shutdown.
type Tracker struct {
	mu       sync.Mutex
	sessions map[domain.ConnectionID]Closable
}

func NewTracker() *Tracker {
	return &Tracker{sessions: make(map[domain.ConnectionID]Closable)}
}

func (t *Tracker) Add(s Closable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s.ID()] = s
}

func (t *Tracker) Remove(s Closable) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s.ID())
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// CloseAll disconnects every tracked session with reason and waits until
// they are closed or ctx ends.
func (t *Tracker) CloseAll(ctx context.Context, reason string) error {
	t.mu.Lock()
	sessions := make([]Closable, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Disconnect(ctx, reason)
		}()
	}

	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	wg.Wait()
	return nil
}
