// Package handler exposes the messaging facade over HTTP for the web
// client: REST for writes and snapshots, SSE and WebSocket for live
// timeline pushes.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vivaha-labs/chat-sync/internal/auth"
	"github.com/vivaha-labs/chat-sync/internal/chat"
	"github.com/vivaha-labs/chat-sync/internal/middleware"
	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

// ChatHandler serves the conversation API.
type ChatHandler struct {
	manager *chat.Manager
	logger  *logger.Logger

	// baseCtx scopes facade lifetimes to the process, not the request
	// that happened to open them.
	baseCtx context.Context
}

// NewChatHandler creates a chat handler.
func NewChatHandler(baseCtx context.Context, manager *chat.Manager, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		manager: manager,
		logger:  log,
		baseCtx: baseCtx,
	}
}

// facade resolves the caller's facade for the peer in the URL.
func (h *ChatHandler) facade(r *http.Request) (*chat.Facade, string, error) {
	userID := middleware.GetUserID(r.Context())
	peerID := chi.URLParam(r, "peer")
	if err := middleware.ValidateUserID(peerID); err != nil {
		return nil, "", err
	}
	key := chat.KeyFor(userID, peerID)
	f := h.manager.Open(h.baseCtx, auth.Static{ID: userID}, key)
	return f, peerID, nil
}

// timelineResponse is the snapshot the web client polls or receives
// over a stream.
type timelineResponse struct {
	Messages     []model.Message `json:"messages"`
	Typing       map[string]bool `json:"typing"`
	Connected    bool            `json:"connected"`
	Error        *string         `json:"error"`
	HasMore      bool            `json:"has_more"`
	LoadingOlder bool            `json:"loading_older"`
	State        chat.State      `json:"state"`
}

func snapshotOf(f *chat.Facade) timelineResponse {
	var errMsg *string
	if e := f.Err(); e != "" {
		errMsg = &e
	}
	return timelineResponse{
		Messages:     f.Messages(),
		Typing:       f.Typing(),
		Connected:    f.Connected(),
		Error:        errMsg,
		HasMore:      f.HasMore(),
		LoadingOlder: f.LoadingOlder(),
		State:        f.State(),
	}
}

// Timeline handles GET /api/v1/chats/{peer}
func (h *ChatHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshotOf(f))
}

// sendRequest is the body of POST .../messages.
type sendRequest struct {
	Text            string `json:"text"`
	TempID          string `json:"temp_id,omitempty"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
	ReplyToText     string `json:"reply_to_text,omitempty"`
	ReplyToKind     string `json:"reply_to_kind,omitempty"`
	ReplyToFromUser string `json:"reply_to_from_user,omitempty"`
}

// Send handles POST /api/v1/chats/{peer}/messages
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	f, peerID, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var reply *chat.ReplyMeta
	if req.ReplyToID != "" {
		reply = &chat.ReplyMeta{
			MessageID:  req.ReplyToID,
			Text:       req.ReplyToText,
			Kind:       model.Kind(req.ReplyToKind),
			FromUserID: req.ReplyToFromUser,
		}
	}

	if err := f.SendMessage(r.Context(), req.Text, peerID, reply, req.TempID); err != nil {
		writeError(w, http.StatusBadGateway, "message failed to send")
		return
	}
	writeJSON(w, http.StatusAccepted, snapshotOf(f))
}

// voiceRequest is the body of POST .../voice.
type voiceRequest struct {
	Audio    string `json:"audio"` // base64
	Duration int    `json:"duration"`
}

// SendVoice handles POST /api/v1/chats/{peer}/voice
func (h *ChatHandler) SendVoice(w http.ResponseWriter, r *http.Request) {
	f, peerID, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req voiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	blob, err := base64.StdEncoding.DecodeString(req.Audio)
	if err != nil || len(blob) == 0 {
		writeError(w, http.StatusBadRequest, "invalid audio payload")
		return
	}

	if err := f.SendVoiceMessage(r.Context(), blob, peerID, req.Duration); err != nil {
		writeError(w, http.StatusBadGateway, "voice message failed to send")
		return
	}
	writeJSON(w, http.StatusAccepted, snapshotOf(f))
}

// typingRequest is the body of POST .../typing.
type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// Typing handles POST /api/v1/chats/{peer}/typing
func (h *ChatHandler) Typing(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IsTyping {
		f.SendTypingStart(r.Context())
	} else {
		f.SendTypingStop(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

// readRequest is the body of POST .../read.
type readRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead handles POST /api/v1/chats/{peer}/read
func (h *ChatHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	f.MarkAsRead(r.Context(), req.MessageIDs)
	w.WriteHeader(http.StatusNoContent)
}

// FetchOlder handles POST /api/v1/chats/{peer}/older
func (h *ChatHandler) FetchOlder(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := f.FetchOlder(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, "failed to load older messages")
		return
	}
	writeJSON(w, http.StatusOK, snapshotOf(f))
}

// Refresh handles POST /api/v1/chats/{peer}/refresh
func (h *ChatHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.RefreshMessages()
	writeJSON(w, http.StatusOK, snapshotOf(f))
}

// Delete handles DELETE /api/v1/chats/{peer}/messages/{id}
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	f, _, err := h.facade(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	messageID := chi.URLParam(r, "id")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "missing message id")
		return
	}
	if err := f.DeleteMessage(r.Context(), messageID); err != nil {
		writeError(w, http.StatusBadGateway, "message could not be deleted")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
