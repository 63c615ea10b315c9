package broadcast

import (
	"fmt"
	"sync"

	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

const shardCount = 32

// Envelope is a group event addressed to one connection.
type Envelope struct {
	Group string
	Event domain.Event
}

// Sink receives envelopes for a single connection. Deliver must not block.
type Sink interface {
	Deliver(env Envelope) error
}

type registryShard struct {
	mu    sync.RWMutex
	sinks map[domain.ConnectionID]Sink
}

// Registry maps connection IDs to their delivery sinks.
type Registry struct {
	shards [shardCount]*registryShard
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{sinks: make(map[domain.ConnectionID]Sink)}
	}
	return r
}

func (r *Registry) shard(id domain.ConnectionID) *registryShard {
	// v4 UUIDs are random in their last byte
	return r.shards[int(id[15])%shardCount]
}

func (r *Registry) Register(id domain.ConnectionID, sink Sink) error {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sinks[id]; exists {
		return fmt.Errorf("register %s: %w", id, domain.ErrDuplicateID)
	}
	s.sinks[id] = sink
	metrics.RegistryConnections.Inc()
	return nil
}

func (r *Registry) Unregister(id domain.ConnectionID) error {
	s := r.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sinks[id]; !exists {
		return fmt.Errorf("unregister %s: %w", id, domain.ErrNotFound)
	}
	delete(s.sinks, id)
	metrics.RegistryConnections.Dec()
	return nil
}

// Deliver hands env to the sink bound to id. The shard lock is not held while
// the sink runs.
func (r *Registry) Deliver(id domain.ConnectionID, env Envelope) error {
	s := r.shard(id)
	s.mu.RLock()
	sink, ok := s.sinks[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("deliver to %s: %w", id, domain.ErrUnknownConnection)
	}
	return sink.Deliver(env)
}

func (r *Registry) Contains(id domain.ConnectionID) bool {
	s := r.shard(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sinks[id]
	return ok
}

func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.sinks)
		s.mu.RUnlock()
	}
	return n
}
