// Package presence tracks which users currently hold at least one live
// connection. It is process-local; a user with no entry is offline.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultShards = 32

type shard struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Registry maps userID -> set of connection IDs. Buckets are chosen by a hash
// of the user ID so unrelated users never contend on the same lock.
type Registry struct {
	shards []*shard
}

// NewRegistry creates a registry with n shards (n <= 0 selects a default).
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = defaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{
			conns: make(map[string]map[string]struct{}),
			locks: make(map[string]*userLock),
		}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// AddConnection records connID for userID and reports whether the user was
// already online beforehand. Adding the same pair twice is a no-op.
func (r *Registry) AddConnection(userID, connID string) (wasOnline bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[userID]
	wasOnline = ok && len(set) > 0
	if !ok {
		set = make(map[string]struct{})
		s.conns[userID] = set
	}
	set[connID] = struct{}{}
	return wasOnline
}

// RemoveConnection drops connID and reports whether the user still has any
// connection left. Removing an unknown pair is a no-op.
func (r *Registry) RemoveConnection(userID, connID string) (isNowOnline bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[userID]
	if !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.conns, userID)
		return false
	}
	return true
}

// IsOnline reports whether userID has at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	return r.ConnectionCount(userID) > 0
}

// ConnectionCount returns the number of live connections for userID.
func (r *Registry) ConnectionCount(userID string) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// OnlineUserIDs returns every user with a live connection, sorted. The result
// is a point-in-time view assembled shard by shard.
func (r *Registry) OnlineUserIDs() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.Lock()
		for id := range s.conns {
			out = append(out, id)
		}
		s.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// LockUser serialises presence transitions of userID. The holder owns the
// user's online/offline broadcast until it calls the returned unlock; other
// users are unaffected. Entries are dropped once nobody holds or waits.
func (r *Registry) LockUser(userID string) (unlock func()) {
	s := r.shardFor(userID)
	s.mu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{}
		s.locks[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, userID)
		}
		s.mu.Unlock()
	}
}
