package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
	"github.com/vivaha-labs/chat-sync/pkg/metrics"
)

// ReplyMeta references the message being replied to. A denormalized
// copy of the target's content travels with the new message so the
// preview survives even if the target is later soft-deleted.
type ReplyMeta struct {
	MessageID  string
	Text       string
	Kind       model.Kind
	FromUserID string
}

// actions is the write path: optimistic sends, read receipts, typing
// writes, pagination and soft deletes. Secondary effects (conversation
// summary, match summary, typing, receipts) are best-effort; only the
// persisted message write itself can fail the caller.
type actions struct {
	st       store.Store
	log      *logger.Logger
	key      string
	self     string
	uploader VoiceUploader
	pageSize int

	now   func() int64
	newID func() string

	setError     func(string)
	setHasMore   func(bool)
	onChange     func()
	windowOldest func() int64

	mu           sync.Mutex
	optimistic   []model.Message
	older        []model.Message
	loadingOlder bool
}

// sendMessage validates, appends an optimistic copy synchronously, and
// then persists. The optimistic copy is rolled back if the persisted
// write fails; summary updates around it never fail the send.
func (a *actions) sendMessage(ctx context.Context, text, toUserID string, reply *ReplyMeta, customTempID string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if toUserID == "" {
		a.setError("recipient missing")
		a.onChange()
		return nil
	}

	now := a.now()
	tempID := customTempID
	if tempID == "" {
		tempID = fmt.Sprintf("%s%d", model.TempIDPrefix, now)
	}

	optimistic := model.Message{
		ID:             tempID,
		ConversationID: a.key,
		FromUserID:     a.self,
		ToUserID:       toUserID,
		Text:           text,
		Kind:           model.KindText,
		CreatedAt:      now,
	}
	applyReply(&optimistic, reply)

	// The sender sees their message before any network round-trip.
	a.mu.Lock()
	a.optimistic = append(a.optimistic, optimistic)
	a.mu.Unlock()
	a.onChange()

	a.ensureConversationSummary(ctx, now)

	persisted := optimistic
	persisted.ID = a.newID()
	if err := a.st.PutMessage(ctx, &persisted); err != nil {
		a.removeOptimistic(tempID)
		a.setError("message failed to send")
		a.onChange()
		metrics.SendFailuresTotal.Inc()
		return fmt.Errorf("persist message: %w", err)
	}
	metrics.MessagesSentTotal.WithLabelValues(string(model.KindText)).Inc()

	a.updateSummaries(ctx, &persisted)
	return nil
}

// sendVoiceMessage delegates to the upload utility and appends the
// optimistic voice entry only after the upload succeeds.
func (a *actions) sendVoiceMessage(ctx context.Context, blob []byte, toUserID string, duration int) error {
	if toUserID == "" {
		a.setError("recipient missing")
		a.onChange()
		return nil
	}
	res, err := a.uploader.UploadVoiceMessage(ctx, VoiceUploadRequest{
		ConversationID: a.key,
		ToUserID:       toUserID,
		Blob:           blob,
		Duration:       duration,
		MimeType:       "audio/webm",
	})
	if err != nil {
		a.setError("voice message failed to send")
		a.onChange()
		metrics.SendFailuresTotal.Inc()
		return fmt.Errorf("upload voice message: %w", err)
	}

	msg := model.Message{
		ID:             fmt.Sprintf("%s%d", model.TempIDPrefix, a.now()),
		ConversationID: a.key,
		FromUserID:     a.self,
		ToUserID:       toUserID,
		Kind:           model.KindVoice,
		CreatedAt:      a.now(),
		AudioStorageID: res.AudioStorageID,
		Duration:       duration,
		FileSize:       res.FileSize,
	}
	a.mu.Lock()
	a.optimistic = append(a.optimistic, msg)
	a.mu.Unlock()
	a.onChange()
	metrics.MessagesSentTotal.WithLabelValues(string(model.KindVoice)).Inc()
	return nil
}

// sendTyping merge-writes the per-user typing document. Advisory only;
// errors are swallowed.
func (a *actions) sendTyping(ctx context.Context, isTyping bool) {
	err := a.st.MergeTyping(ctx, model.TypingState{
		ConversationID: a.key,
		UserID:         a.self,
		IsTyping:       isTyping,
		UpdatedAt:      a.now(),
	})
	if err != nil {
		a.log.Debug("typing write failed", zap.Error(err))
	}
}

// markAsRead batches a readAt update across all given ids. Read
// receipts are best-effort.
func (a *actions) markAsRead(ctx context.Context, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}
	now := a.now()
	err := a.st.UpdateMessages(ctx, a.key, messageIDs, store.MessagePatch{ReadAt: &now})
	if err != nil {
		a.log.Warn("read receipt batch failed",
			zap.Int("count", len(messageIDs)), zap.Error(err))
	}
}

// fetchOlder pages backwards from the oldest known message. The caller
// suppresses concurrent triggers via the loading flag.
func (a *actions) fetchOlder(ctx context.Context) error {
	a.mu.Lock()
	if a.loadingOlder {
		a.mu.Unlock()
		return nil
	}
	a.loadingOlder = true
	var cursor int64
	if len(a.older) > 0 {
		cursor = a.older[0].CreatedAt
	}
	a.mu.Unlock()
	a.onChange()

	defer func() {
		a.mu.Lock()
		a.loadingOlder = false
		a.mu.Unlock()
		a.onChange()
	}()

	if cursor == 0 {
		cursor = a.windowOldest()
	}
	if cursor == 0 {
		cursor = a.now()
	}

	page, err := a.st.QueryMessages(ctx, store.MessageQuery{
		ConversationID: a.key,
		Before:         cursor,
		Limit:          a.pageSize,
		Descending:     true,
	})
	if err != nil {
		a.log.Warn("older page fetch failed", zap.Error(err))
		return fmt.Errorf("fetch older messages: %w", err)
	}

	sort.SliceStable(page, func(i, j int) bool {
		return page[i].CreatedAt < page[j].CreatedAt
	})

	a.mu.Lock()
	a.older = append(append([]model.Message(nil), page...), a.older...)
	a.mu.Unlock()

	// A full page suggests more history; a partial page means the
	// boundary was reached.
	a.setHasMore(len(page) == a.pageSize)
	return nil
}

// deleteMessage soft-deletes: the record keeps its position and any
// reply references pointing at it, only the content is hidden.
func (a *actions) deleteMessage(ctx context.Context, messageID string) error {
	deleted := true
	text := model.DeletedText
	err := a.st.UpdateMessages(ctx, a.key, []string{messageID}, store.MessagePatch{
		Deleted: &deleted,
		Text:    &text,
	})
	if err != nil {
		a.setError("message could not be deleted")
		a.onChange()
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// refresh clears the older-messages accumulator, forcing a clean
// re-page on the next fetchOlder.
func (a *actions) refresh() {
	a.mu.Lock()
	a.older = nil
	a.mu.Unlock()
	a.onChange()
}

func (a *actions) clearOptimistic() {
	a.mu.Lock()
	a.optimistic = nil
	a.older = nil
	a.mu.Unlock()
}

func (a *actions) removeOptimistic(tempID string) {
	a.mu.Lock()
	kept := a.optimistic[:0]
	for _, m := range a.optimistic {
		if m.ID != tempID {
			kept = append(kept, m)
		}
	}
	a.optimistic = kept
	a.mu.Unlock()
}

func (a *actions) optimisticSnapshot() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Message(nil), a.optimistic...)
}

func (a *actions) olderSnapshot() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Message(nil), a.older...)
}

func (a *actions) isLoadingOlder() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadingOlder
}

// ensureConversationSummary upserts the conversation shell before the
// message write so a first send creates the record. Best-effort.
func (a *actions) ensureConversationSummary(ctx context.Context, now int64) {
	peer, ok := PeerOf(a.key, a.self)
	if !ok {
		return
	}
	participants := []string{a.self, peer}
	sort.Strings(participants)
	err := a.st.MergeConversation(ctx, a.key, model.ConversationPatch{
		Participants: participants,
		UpdatedAt:    &now,
	})
	if err != nil {
		a.log.Debug("conversation upsert failed", zap.Error(err))
	}
}

// updateSummaries refreshes the conversation and match last-message
// previews after a successful send. Both are best-effort: losing one
// degrades a preview, never the timeline.
func (a *actions) updateSummaries(ctx context.Context, msg *model.Message) {
	now := a.now()
	summary := msg.Summary()

	err := a.st.MergeConversation(ctx, a.key, model.ConversationPatch{
		LastMessage: summary,
		UpdatedAt:   &now,
	})
	if err != nil {
		a.log.Debug("conversation summary update failed", zap.Error(err))
	}

	// The match record is undirected but stored directionally; probe
	// both id orders.
	rec, err := a.st.FindMatch(ctx, msg.FromUserID, msg.ToUserID)
	if err != nil {
		rec, err = a.st.FindMatch(ctx, msg.ToUserID, msg.FromUserID)
	}
	if err != nil {
		a.log.Debug("match record not found", zap.Error(err))
		return
	}
	err = a.st.MergeMatch(ctx, rec.ID, model.MatchPatch{
		LastMessage: summary,
		UpdatedAt:   &now,
	})
	if err != nil {
		a.log.Debug("match summary update failed", zap.Error(err))
	}
}

func applyReply(msg *model.Message, reply *ReplyMeta) {
	if reply == nil {
		return
	}
	msg.ReplyToMessageID = reply.MessageID
	msg.ReplyToText = reply.Text
	msg.ReplyToKind = reply.Kind
	msg.ReplyToFromUserID = reply.FromUserID
}
