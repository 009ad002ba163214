package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/realtime"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxFrame   = 128 << 10
)

func (a *app) upgrader() *websocket.Upgrader {
	allowed := map[string]bool{}
	for _, o := range a.cfg.WebSocket.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
		},
	}
}

func peerKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "peer:" + host
}

// handleWebSocket (GET /ws) authenticates before upgrading, so a rejected
// client is never registered.
func (a *app) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !a.handshakeLimiter.Allow(peerKey(r)) {
		a.respondWithError(w, apperr.RateLimited())
		return
	}
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	userID, err := a.authn.Authenticate(r.Context(), token)
	if err != nil {
		a.respondWithError(w, apperr.Unauthorized())
		return
	}

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := a.connectionContext(r.Context())
	defer cancel()
	wc := newWSConn(conn, a.log)
	go wc.pingLoop(ctx)

	err = a.engine.Serve(ctx, userID, wc)
	closeCode, reason := websocket.CloseNormalClosure, ""
	if errors.Is(err, realtime.ErrSlowConsumer) {
		closeCode, reason = websocket.CloseTryAgainLater, "connection cannot keep up"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(wsWriteWait))
}

// wsConn adapts a WebSocket to realtime.Conn. Frames are JSON text messages.
type wsConn struct {
	conn *websocket.Conn
	log  *zap.Logger
}

func newWSConn(conn *websocket.Conn, log *zap.Logger) *wsConn {
	conn.SetReadLimit(wsMaxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return &wsConn{conn: conn, log: log}
}

func (c *wsConn) Recv() (*wire.Frame, error) {
	for {
		typ, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		var f wire.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Debug("dropping malformed websocket frame", zap.Error(err))
			continue
		}
		return &f, nil
	}
}

func (c *wsConn) Send(f *wire.Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

// pingLoop keeps the read deadline alive on idle connections. WriteControl is
// safe to call alongside the writer goroutine.
func (c *wsConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
