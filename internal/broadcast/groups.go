package broadcast

import (
	"hash/fnv"
	"sync"

	"github.com/pscheid92/minicom/internal/domain"
	"github.com/pscheid92/minicom/internal/metrics"
)

type memberSet map[domain.ConnectionID]struct{}

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]memberSet
}

// GroupTable maps group names to member connection IDs. Groups exist only
// while they have members.
type GroupTable struct {
	shards [shardCount]*groupShard
}

func NewGroupTable() *GroupTable {
	t := &GroupTable{}
	for i := range t.shards {
		t.shards[i] = &groupShard{groups: make(map[string]memberSet)}
	}
	return t
}

func (t *GroupTable) shard(group string) *groupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(group))
	return t.shards[h.Sum32()%shardCount]
}

// Join adds id to group and reports whether it was newly added.
func (t *GroupTable) Join(group string, id domain.ConnectionID) bool {
	s := t.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[group]
	if !ok {
		members = make(memberSet)
		s.groups[group] = members
		metrics.GroupsActive.Inc()
	}
	if _, exists := members[id]; exists {
		return false
	}
	members[id] = struct{}{}
	return true
}

// Leave removes id from group and reports whether it was a member. The group
// is dropped when its last member leaves.
func (t *GroupTable) Leave(group string, id domain.ConnectionID) bool {
	s := t.shard(group)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.groups[group]
	if !ok {
		return false
	}
	if _, exists := members[id]; !exists {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.groups, group)
		metrics.GroupsActive.Dec()
	}
	return true
}

// Members returns a copy of the group's member IDs.
func (t *GroupTable) Members(group string) []domain.ConnectionID {
	s := t.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.groups[group]
	out := make([]domain.ConnectionID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

func (t *GroupTable) IsMember(group string, id domain.ConnectionID) bool {
	s := t.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.groups[group][id]
	return ok
}

func (t *GroupTable) Size(group string) int {
	s := t.shard(group)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[group])
}

// Len returns the number of non-empty groups.
func (t *GroupTable) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.groups)
		s.mu.RUnlock()
	}
	return n
}
