package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

// Hub tracks live sessions and the rooms they are subscribed to, and pushes
// frames to them. Every session is in its own user room from registration
// until it closes.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[wire.Topic]map[string]*Session
	log      *zap.Logger
	metrics  *Metrics
}

// NewHub creates a new hub instance.
func NewHub(log *zap.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		sessions: map[string]*Session{},
		rooms:    map[wire.Topic]map[string]*Session{},
		log:      log.Named("hub"),
		metrics:  metrics,
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	h.joinLocked(s, wire.UserTopic(s.UserID))
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range s.rooms {
		h.leaveLocked(s, t)
	}
	delete(h.sessions, s.ID)
}

// Join subscribes s to topic. Joining twice is a no-op.
func (h *Hub) Join(s *Session, topic wire.Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	h.joinLocked(s, topic)
}

// Leave unsubscribes s from topic. The user room cannot be left.
func (h *Hub) Leave(s *Session, topic wire.Topic) {
	if topic == wire.UserTopic(s.UserID) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, topic)
}

func (h *Hub) joinLocked(s *Session, topic wire.Topic) {
	members, ok := h.rooms[topic]
	if !ok {
		members = map[string]*Session{}
		h.rooms[topic] = members
	}
	members[s.ID] = s
	s.rooms[topic] = struct{}{}
}

func (h *Hub) leaveLocked(s *Session, topic wire.Topic) {
	delete(s.rooms, topic)
	if members, ok := h.rooms[topic]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.rooms, topic)
		}
	}
}

// InRoom reports whether session id is subscribed to topic.
func (h *Hub) InRoom(id string, topic wire.Topic) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[topic][id]
	return ok
}

// SessionCount is the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Emit encodes ev once and queues it for every session in any of topics. A
// session in several of the rooms receives it once. Sessions of exceptUserID
// are skipped.
func (h *Hub) Emit(ev wire.Outbound, topics []wire.Topic, exceptUserID string) {
	f, err := wire.EventFrame(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("event", ev.Event()), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := map[string]*Session{}
	for _, t := range topics {
		for id, s := range h.rooms[t] {
			if exceptUserID != "" && s.UserID == exceptUserID {
				continue
			}
			targets[id] = s
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliver(s, f)
	}
}

// deliver queues f for s. A session that cannot keep up is disconnected
// rather than allowed to block everyone else.
func (h *Hub) deliver(s *Session, f *wire.Frame) {
	if s.enqueue(f) {
		return
	}
	h.metrics.fanoutDrop()
	h.log.Warn("disconnecting slow consumer",
		zap.String("user_id", s.UserID), zap.String("conn_id", s.ID), zap.String("event", f.Event))
	s.kill(ErrSlowConsumer)
}
