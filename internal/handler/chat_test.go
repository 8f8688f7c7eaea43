package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vivaha-labs/chat-sync/internal/chat"
	"github.com/vivaha-labs/chat-sync/internal/middleware"
	"github.com/vivaha-labs/chat-sync/internal/store/memstore"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

// asUser injects an authenticated user the way the JWT middleware would.
func asUser(userID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestRouter(t *testing.T, st *memstore.Store, userID string) http.Handler {
	t.Helper()
	m := chat.NewManager(st, logger.Nop(), chat.Options{
		PageSize:             10,
		BackoffBase:          time.Millisecond,
		BackoffJitter:        time.Millisecond,
		OfflineRetryInterval: time.Millisecond,
	})
	t.Cleanup(m.CloseAll)
	h := NewChatHandler(context.Background(), m, logger.Nop())

	r := chi.NewRouter()
	r.Use(asUser(userID))
	r.Route("/api/v1/chats/{peer}", func(r chi.Router) {
		r.Get("/", h.Timeline)
		r.Post("/messages", h.Send)
		r.Delete("/messages/{id}", h.Delete)
		r.Post("/typing", h.Typing)
		r.Post("/read", h.MarkRead)
		r.Post("/older", h.FetchOlder)
		r.Post("/refresh", h.Refresh)
	})
	return r
}

func decodeTimeline(t *testing.T, body *bytes.Buffer) timelineResponse {
	t.Helper()
	var resp timelineResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		t.Fatalf("decode timeline: %v", err)
	}
	return resp
}

func TestTimelineEndpoint(t *testing.T) {
	st := memstore.New()
	router := newTestRouter(t, st, "u1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chats/u2/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeTimeline(t, rec.Body)
	if len(resp.Messages) != 0 {
		t.Errorf("fresh conversation holds %d messages", len(resp.Messages))
	}
}

func TestTimelineRejectsBadPeer(t *testing.T) {
	st := memstore.New()
	router := newTestRouter(t, st, "u1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chats/bad.peer/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a reserved-character peer id", rec.Code)
	}
}

func TestSendEndpoint(t *testing.T) {
	st := memstore.New()
	router := newTestRouter(t, st, "u1")

	body, _ := json.Marshal(map[string]string{"text": "Hello"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chats/u2/messages", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// The confirmed message is visible on a later snapshot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chats/u2/", nil))
		resp := decodeTimeline(t, rec.Body)
		if len(resp.Messages) == 1 && resp.Messages[0].Text == "Hello" {
			if resp.Messages[0].FromUserID != "u1" || resp.Messages[0].ToUserID != "u2" {
				t.Fatalf("message routing = %s -> %s", resp.Messages[0].FromUserID, resp.Messages[0].ToUserID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("message never appeared, last snapshot: %+v", resp)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendRejectsEmptyBody(t *testing.T) {
	st := memstore.New()
	router := newTestRouter(t, st, "u1")

	body, _ := json.Marshal(map[string]string{"text": "   "})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chats/u2/messages", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for blank text", rec.Code)
	}
}

func TestTypingEndpoint(t *testing.T) {
	st := memstore.New()
	router := newTestRouter(t, st, "u1")

	body, _ := json.Marshal(map[string]bool{"is_typing": true})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/chats/u2/typing", bytes.NewReader(body)))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	// The peer's view of the same conversation shows u1 typing.
	peerRouter := newTestRouter(t, st, "u2")
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := httptest.NewRecorder()
		peerRouter.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/chats/u1/", nil))
		resp := decodeTimeline(t, rec.Body)
		if resp.Typing["u1"] {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer never saw typing, last snapshot: %+v", resp)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoints(t *testing.T) {
	h := NewHealthHandler(nil)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Health status = %d", rec.Code)
	}

	// A nil pinger (embedded store) is always ready.
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Ready status = %d", rec.Code)
	}

	h = NewHealthHandler(pingerFunc(func() bool { return false }))
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Ready status with a down store = %d", rec.Code)
	}
}

type pingerFunc func() bool

func (f pingerFunc) IsConnected() bool { return f() }
