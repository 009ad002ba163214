package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Push outcomes reported to Observer.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Observer receives one call per notification outcome.
type Observer interface {
	PushOutcome(outcome string)
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	Size          int
	RatePerSecond int
	PushTimeout   time.Duration
	Logger        *zap.Logger
	Observer      Observer
}

// Queue hands notifications to a Pusher from a single worker paced by a
// leaky bucket. Enqueue never blocks; a full queue drops.
type Queue struct {
	pusher  Pusher
	ch      chan Notification
	rl      ratelimit.Limiter
	timeout time.Duration
	log     *zap.Logger
	obs     Observer
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue returns a started queue. Call Close to drain and stop it.
func NewQueue(p Pusher, opts QueueOptions) *Queue {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pusher:  p,
		ch:      make(chan Notification, opts.Size),
		rl:      ratelimit.New(opts.RatePerSecond, ratelimit.WithoutSlack),
		timeout: opts.PushTimeout,
		log:     opts.Logger.Named("push_queue"),
		obs:     opts.Observer,
		cancel:  cancel,
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

// Enqueue schedules n and reports whether it was accepted.
func (q *Queue) Enqueue(n Notification) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- n:
		return true
	default:
		q.dropped.Add(1)
		q.observe(OutcomeDropped)
		q.log.Warn("push queue full, dropping notification",
			zap.String("user_id", n.UserID), zap.String("kind", string(n.Kind)))
		return false
	}
}

// Dropped is the number of notifications rejected by a full queue.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close stops the worker after it has pushed what is already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for n := range q.ch {
		q.rl.Take()
		q.push(ctx, n)
	}
}

func (q *Queue) push(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.pusher.Push(ctx, n); err != nil {
		q.observe(OutcomeFailed)
		q.log.Warn("push failed", zap.String("user_id", n.UserID), zap.Error(err))
		return
	}
	q.observe(OutcomeSent)
}

func (q *Queue) observe(outcome string) {
	if q.obs != nil {
		q.obs.PushOutcome(outcome)
	}
}
