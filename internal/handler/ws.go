package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vivaha-labs/chat-sync/pkg/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin checking happens at the CORS layer; the session token
	// already gated this route.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket handles GET /api/v1/chats/{peer}/ws: the same timeline
// pushes as the SSE stream for clients that prefer a socket.
func (h *ChatHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.IncStreamConnections("websocket")
	defer metrics.DecStreamConnections("websocket")

	// Reader goroutine: we ignore client frames but need to consume
	// them to notice the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	writeSnapshot := func() error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(snapshotOf(f))
	}
	if err := writeSnapshot(); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-f.Updates():
			if err := writeSnapshot(); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
