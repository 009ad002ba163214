package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

func TestPreview(t *testing.T) {
	cases := []struct {
		name string
		msg  data.Message
		want string
	}{
		{"text", data.Message{Type: data.MessageText, Body: "hi there"}, "hi there"},
		{"encrypted", data.Message{Type: data.MessageText, Body: `{"v":1}`, IsEncrypted: true}, "New message"},
		{"image", data.Message{Type: data.MessageImage, Body: "https://cdn/x.png"}, "Photo"},
		{"voice", data.Message{Type: data.MessageVoice, Body: "https://cdn/x.ogg"}, "Voice message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Preview(&tc.msg))
		})
	}

	long := strings.Repeat("é", 200)
	p := Preview(&data.Message{Type: data.MessageText, Body: long})
	require.Equal(t, previewLimit, len([]rune(p)))
	require.True(t, strings.HasSuffix(p, "…"))
}

type recordingPusher struct {
	mu      sync.Mutex
	got     []Notification
	started chan struct{}
	release chan struct{}
	err     error
}

func (p *recordingPusher) Push(_ context.Context, n Notification) error {
	if p.started != nil {
		p.started <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, n)
	return p.err
}

func (p *recordingPusher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.got))
	for i, n := range p.got {
		out[i] = n.MessageID
	}
	return out
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) PushOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[outcome]++
}

func (o *countingObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[outcome]
}

func TestQueue_DeliversInOrder(t *testing.T) {
	p := &recordingPusher{}
	obs := &countingObserver{}
	q := NewQueue(p, QueueOptions{Size: 8, RatePerSecond: 1000, Logger: zaptest.NewLogger(t), Observer: obs})

	for _, id := range []string{"m1", "m2", "m3"} {
		require.True(t, q.Enqueue(Notification{UserID: "bob", MessageID: id}))
	}
	q.Close()

	require.Equal(t, []string{"m1", "m2", "m3"}, p.ids())
	require.Equal(t, 3, obs.count(OutcomeSent))
	require.False(t, q.Enqueue(Notification{MessageID: "late"}), "closed queue rejects")
	q.Close()
}

func TestQueue_DropsWhenFull(t *testing.T) {
	p := &recordingPusher{started: make(chan struct{}), release: make(chan struct{})}
	obs := &countingObserver{}
	q := NewQueue(p, QueueOptions{Size: 1, RatePerSecond: 1000, Logger: zaptest.NewLogger(t), Observer: obs})

	require.True(t, q.Enqueue(Notification{MessageID: "m1"}))
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not pick up the first notification")
	}
	require.True(t, q.Enqueue(Notification{MessageID: "m2"}))
	require.False(t, q.Enqueue(Notification{MessageID: "m3"}))
	require.EqualValues(t, 1, q.Dropped())
	require.Equal(t, 1, obs.count(OutcomeDropped))

	go func() {
		for range p.started {
		}
	}()
	close(p.release)
	q.Close()
	close(p.started)
	require.Equal(t, []string{"m1", "m2"}, p.ids())
}

func TestQueue_CountsFailures(t *testing.T) {
	p := &recordingPusher{err: errors.New("apns unavailable")}
	obs := &countingObserver{}
	q := NewQueue(p, QueueOptions{RatePerSecond: 1000, Logger: zaptest.NewLogger(t), Observer: obs})
	q.Enqueue(Notification{MessageID: "m1"})
	q.Close()
	require.Equal(t, 1, obs.count(OutcomeFailed))
}

func TestForMessageUsesRecipient(t *testing.T) {
	n := ForMessage(&data.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Type: data.MessageText, Body: "yo"})
	require.Equal(t, "bob", n.UserID)
	require.Equal(t, "alice", n.FromUserID)
	require.Equal(t, KindMessage, n.Kind)
	require.Equal(t, "yo", n.Preview)
}
