package middleware

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestLimiterStore_AllowAndCleanup(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, 100*time.Millisecond)
	defer s.Stop()

	key := "user:alice"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}
	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}
	if !s.Allow("user:bob") {
		t.Fatalf("expected independent budget for another key")
	}

	s.sweep(time.Now().Add(time.Hour))
	s.mu.Lock()
	_, ok := s.clients[key]
	s.mu.Unlock()
	if ok {
		t.Fatalf("expected idle entry to be swept")
	}
}

func TestLimiterStore_StopIsIdempotent(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	s.Stop()
	s.Stop()
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f fakeServerStream) Context() context.Context { return f.ctx }

func TestRateLimitStreamInterceptor(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()

	icpt := RateLimitStreamInterceptor(s, map[string]bool{"/messenger.v1.Realtime/Connect": true})
	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}})
	ss := fakeServerStream{ctx: ctx}
	info := &grpc.StreamServerInfo{FullMethod: "/messenger.v1.Realtime/Connect"}
	calls := 0
	handler := func(interface{}, grpc.ServerStream) error { calls++; return nil }

	if err := icpt(nil, ss, info, handler); err != nil {
		t.Fatalf("first stream should pass: %v", err)
	}
	err := icpt(nil, ss, info, handler)
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}

	other := &grpc.StreamServerInfo{FullMethod: "/other/Method"}
	if err := icpt(nil, ss, other, handler); err != nil {
		t.Fatalf("unlimited method should pass: %v", err)
	}
}

func TestRateLimitHTTP(t *testing.T) {
	s := NewLimiterStore(1, 1, time.Minute)
	defer s.Stop()

	h := RateLimitHTTP(s, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.RemoteAddr = "10.0.0.2:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}
