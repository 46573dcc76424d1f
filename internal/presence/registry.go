// Package presence tracks which sessions each user has attached to this node.
package presence

import (
	"sort"
	"sync"
)

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	users map[int64]map[string]struct{}
}

// Registry maps user id to the set of attached session ids. It is in-memory only;
// a restart starts empty and clients reconnect.
type Registry struct {
	shards [shardCount]shard
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].users = make(map[int64]map[string]struct{})
	}
	return r
}

func (r *Registry) shard(userID int64) *shard {
	return &r.shards[uint64(userID)%shardCount]
}

// Attach adds sessionID for userID. first is true only when the user had no sessions
// before this call. Attaching a known session is a no-op.
func (r *Registry) Attach(userID int64, sessionID string) (first bool) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]struct{}, 1)
		s.users[userID] = set
	}
	if _, dup := set[sessionID]; dup {
		return false
	}
	set[sessionID] = struct{}{}
	return len(set) == 1
}

// Detach removes sessionID. last is true only when this call removed the user's final session.
func (r *Registry) Detach(userID int64, sessionID string) (last bool) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		return false
	}
	if _, present := set[sessionID]; !present {
		return false
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(s.users, userID)
		return true
	}
	return false
}

// SessionsOf returns a sorted copy of the user's session ids.
func (r *Registry) SessionsOf(userID int64) []string {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether the user has at least one session.
func (r *Registry) IsOnline(userID int64) bool {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID]) > 0
}

// OnlineUsers lists users with at least one session, ascending.
func (r *Registry) OnlineUsers() []int64 {
	var out []int64
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id := range s.users {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
