package data

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Records are copied on the way in and
// out so callers never share mutable state with the store.
type MemoryStore struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]*User
	blocks        map[[2]string]Block
	conversations map[string]*Conversation
	convByPair    map[[2]string]string
	messages      map[string]*Message
	keys          map[[2]string]*PublicKey
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		users:         make(map[string]*User),
		blocks:        make(map[[2]string]Block),
		conversations: make(map[string]*Conversation),
		convByPair:    make(map[[2]string]string),
		messages:      make(map[string]*Message),
		keys:          make(map[[2]string]*PublicKey),
	}
}

// SetClock replaces the store's time source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Ping(context.Context) error  { return nil }
func (s *MemoryStore) Close(context.Context) error { return nil }

func copyUser(u *User) *User {
	c := *u
	if u.LastSeen != nil {
		t := *u.LastSeen
		c.LastSeen = &t
	}
	return &c
}

func copyConversation(c *Conversation) *Conversation {
	out := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return &out
}

func copyMessage(m *Message) *Message {
	c := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		c.DeliveredAt = &t
	}
	if m.SeenAt != nil {
		t := *m.SeenAt
		c.SeenAt = &t
	}
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	return &c
}

// --- UserStore ---

func (s *MemoryStore) EnsureUser(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return copyUser(u), nil
	}
	now := s.now().UTC()
	u := &User{ID: id, ShowOnlineStatus: true, CreatedAt: now, UpdatedAt: now}
	s.users[id] = u
	return copyUser(u), nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return copyUser(u), nil
}

func (s *MemoryStore) GetUsers(_ context.Context, ids []string) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u, ok := s.users[id]; ok {
			out = append(out, copyUser(u))
		}
	}
	return out, nil
}

func (s *MemoryStore) SetPresence(_ context.Context, id string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	u.Online = online
	if !online {
		t := at.UTC()
		u.LastSeen = &t
	}
	u.UpdatedAt = at.UTC()
	return nil
}

func (s *MemoryStore) SetShowOnlineStatus(_ context.Context, id string, show bool) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	u.ShowOnlineStatus = show
	u.UpdatedAt = s.now().UTC()
	return copyUser(u), nil
}

// --- BlockStore ---

func (s *MemoryStore) Block(_ context.Context, blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := [2]string{blockerID, blockedID}
	if _, ok := s.blocks[k]; !ok {
		s.blocks[k] = Block{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: s.now().UTC()}
	}
	return nil
}

func (s *MemoryStore) Unblock(_ context.Context, blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, [2]string{blockerID, blockedID})
	return nil
}

func (s *MemoryStore) BlockExists(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ab := s.blocks[[2]string{a, b}]
	_, ba := s.blocks[[2]string{b, a}]
	return ab || ba, nil
}

func (s *MemoryStore) BlockedAmong(_ context.Context, userID string, others []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, o := range others {
		_, ab := s.blocks[[2]string{userID, o}]
		_, ba := s.blocks[[2]string{o, userID}]
		if ab || ba {
			out[o] = true
		}
	}
	return out, nil
}

// --- ConversationStore ---

func (s *MemoryStore) GetOrCreateConversation(_ context.Context, a, b string) (*Conversation, error) {
	ua, ub := OrderedPair(a, b)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.convByPair[[2]string{ua, ub}]; ok {
		return copyConversation(s.conversations[id]), nil
	}
	c := &Conversation{ID: uuid.NewString(), UserA: ua, UserB: ub, CreatedAt: s.now().UTC()}
	s.conversations[c.ID] = c
	s.convByPair[[2]string{ua, ub}] = c.ID
	return copyConversation(c), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return copyConversation(c), nil
}

func (s *MemoryStore) ListConversationsForUser(_ context.Context, userID string, limit int64) ([]*Conversation, error) {
	s.mu.RLock()
	var out []*Conversation
	for _, c := range s.conversations {
		if c.Has(userID) {
			out = append(out, copyConversation(c))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return activity(out[i]).After(activity(out[j]))
	})
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func activity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *MemoryStore) SetWallpaper(_ context.Context, id, wallpaper string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	c.Wallpaper = wallpaper
	return copyConversation(c), nil
}

// --- MessageStore ---

func (s *MemoryStore) InsertMessage(_ context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", msg.ConversationID, ErrNotFound)
	}
	if msg.ClientID != "" && s.clientHolder(msg.ConversationID, msg.SenderID, msg.ClientID) != nil {
		return nil, fmt.Errorf("client id %q: %w", msg.ClientID, ErrConflict)
	}
	at := nextCreatedAt(s.now(), c.LastMessageAt)
	c.Seq++
	c.LastMessageAt = &at

	m := copyMessage(msg)
	m.ID = uuid.NewString()
	m.Seq = c.Seq
	m.CreatedAt = at
	m.DeliveredAt, m.SeenAt, m.Reactions = nil, nil, nil
	s.messages[m.ID] = m
	return copyMessage(m), nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	return copyMessage(m), nil
}

func (s *MemoryStore) FindByClientID(_ context.Context, conversationID, senderID, clientID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m := s.clientHolder(conversationID, senderID, clientID); m != nil {
		return copyMessage(m), nil
	}
	return nil, fmt.Errorf("client id %q: %w", clientID, ErrNotFound)
}

func (s *MemoryStore) ReleaseClientID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[messageID]; ok {
		m.ClientID = ""
	}
	return nil
}

// clientHolder requires s.mu.
func (s *MemoryStore) clientHolder(conversationID, senderID, clientID string) *Message {
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.SenderID == senderID && m.ClientID == clientID {
			return m
		}
	}
	return nil
}

func idFilter(ids []string) func(string) bool {
	if ids == nil {
		return func(string) bool { return true }
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func (s *MemoryStore) MarkDelivered(_ context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error) {
	want := idFilter(ids)
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.RecipientID != recipientID || m.DeliveredAt != nil || !want(m.ID) {
			continue
		}
		if conversationID != "" && m.ConversationID != conversationID {
			continue
		}
		t := at
		m.DeliveredAt = &t
		out = append(out, copyMessage(m))
	}
	sortMessagesBySeq(out)
	return out, nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error) {
	want := idFilter(ids)
	at = at.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.RecipientID != recipientID || m.ConversationID != conversationID || m.SeenAt != nil || !want(m.ID) {
			continue
		}
		t := at
		m.SeenAt = &t
		if m.DeliveredAt == nil {
			d := at
			m.DeliveredAt = &d
		}
		out = append(out, copyMessage(m))
	}
	sortMessagesBySeq(out)
	return out, nil
}

func (s *MemoryStore) ToggleReaction(_ context.Context, messageID, userID, emoji string, at time.Time) (*Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, false, fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}
	for i, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i:i], m.Reactions[i+1:]...)
			return copyMessage(m), false, nil
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji, CreatedAt: at.UTC()})
	return copyMessage(m), true, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, beforeSeq int64, limit int64) ([]*Message, error) {
	s.mu.RLock()
	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		out = append(out, copyMessage(m))
	}
	s.mu.RUnlock()

	sortMessagesBySeq(out)
	if limit > 0 && int64(len(out)) > limit {
		out = out[int64(len(out))-limit:]
	}
	return out, nil
}

// --- KeyStore ---

func (s *MemoryStore) UpsertPublicKey(_ context.Context, key *PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := *key
	if k.UpdatedAt.IsZero() {
		k.UpdatedAt = s.now().UTC()
	}
	s.keys[[2]string{key.UserID, key.DeviceID}] = &k
	return nil
}

func (s *MemoryStore) GetPublicKey(_ context.Context, userID, deviceID string) (*PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if deviceID != "" {
		k, ok := s.keys[[2]string{userID, deviceID}]
		if !ok {
			return nil, fmt.Errorf("key %s/%s: %w", userID, deviceID, ErrNotFound)
		}
		c := *k
		return &c, nil
	}
	var best *PublicKey
	for _, k := range s.keys {
		if k.UserID != userID {
			continue
		}
		if best == nil || k.UpdatedAt.After(best.UpdatedAt) {
			best = k
		}
	}
	if best == nil {
		return nil, fmt.Errorf("key for %s: %w", userID, ErrNotFound)
	}
	c := *best
	return &c, nil
}
