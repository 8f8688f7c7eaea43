package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vivaha-labs/chat-sync/pkg/metrics"
)

const streamHeartbeatInterval = 25 * time.Second

// Stream handles GET /api/v1/chats/{peer}/stream: an SSE feed of
// timeline snapshots, pushed whenever any state slice changes.
func (h *ChatHandler) Stream(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncStreamConnections("sse")
	defer metrics.DecStreamConnections("sse")

	sendSSEEvent(w, flusher, "timeline", snapshotOf(f))

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-f.Updates():
			sendSSEEvent(w, flusher, "timeline", snapshotOf(f))
		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]int64{
				"ts": time.Now().UnixMilli(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
