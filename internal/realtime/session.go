package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

// ErrSlowConsumer ends a session whose send queue filled up.
var ErrSlowConsumer = errors.New("realtime: send queue full")

// Conn is one client transport carrying frames: a gRPC stream or a
// WebSocket. Recv and Send are each called from a single goroutine.
type Conn interface {
	Recv() (*wire.Frame, error)
	Send(*wire.Frame) error
}

// Session is one live connection of a user.
type Session struct {
	ID     string
	UserID string

	send   chan *wire.Frame
	drain  chan struct{}
	done   chan struct{}
	cancel context.CancelCauseFunc

	// rooms is guarded by the hub lock.
	rooms map[wire.Topic]struct{}
}

func newSession(id, userID string, buffer int, cancel context.CancelCauseFunc) *Session {
	return &Session{
		ID:     id,
		UserID: userID,
		send:   make(chan *wire.Frame, buffer),
		drain:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
		rooms:  map[wire.Topic]struct{}{},
	}
}

// enqueue never blocks.
func (s *Session) enqueue(f *wire.Frame) bool {
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *Session) kill(cause error) { s.cancel(cause) }

// writeLoop is the only writer of conn. After drain is closed it flushes
// what is queued and exits.
func (s *Session) writeLoop(ctx context.Context, conn Conn) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.send:
			if err := conn.Send(f); err != nil {
				s.kill(err)
				return
			}
		case <-s.drain:
			for {
				select {
				case f := <-s.send:
					if err := conn.Send(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// flush asks the writer to send what is queued and waits up to timeout.
func (s *Session) flush(timeout time.Duration) {
	close(s.drain)
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}
