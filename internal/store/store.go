// Package store defines the interface to the backing real-time store.
//
// The store is treated as an opaque collaborator offering point reads,
// merge writes, batched updates, bounded queries and snapshot-style
// live watches, with a stable error-code taxonomy. Implementations:
// memstore (in-process, deterministic) and natstore (NATS JetStream).
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/vivaha-labs/chat-sync/internal/model"
)

// Code classifies store errors the way the sync layer retries them.
type Code string

const (
	CodePermissionDenied   Code = "permission-denied"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeUnavailable        Code = "unavailable"
	CodeNotFound           Code = "not-found"
	CodeUnknown            Code = "unknown"
)

// Error is a store error carrying a taxonomy code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// NewError builds a coded store error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUnknown
}

// IsIndexError reports whether err is the failed-precondition variant
// raised when a required server-side index is missing. These are
// operator-actionable and must not be retried.
func IsIndexError(err error) bool {
	if CodeOf(err) != CodeFailedPrecondition {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "index")
}

// MessageQuery bounds a message read or watch.
type MessageQuery struct {
	ConversationID string
	Kind           model.Kind // empty matches all kinds
	Before         int64      // strictly older than, 0 = unbounded
	Limit          int        // 0 = unbounded
	Descending     bool       // order by CreatedAt
}

// Apply evaluates the query over an arrival-ordered message slice:
// filter, stable sort on CreatedAt (arrival order breaks ties), then
// limit. Shared by in-process implementations; a remote store would
// push this down.
func (q MessageQuery) Apply(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if q.Kind != "" && m.Kind != q.Kind {
			continue
		}
		if q.Before > 0 && m.CreatedAt >= q.Before {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.Descending {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// MessagePatch is a merge-write against one or more messages. Nil
// fields are left untouched.
type MessagePatch struct {
	Text    *string
	Deleted *bool
	ReadAt  *int64
	IsRead  *bool
}

// SnapshotFunc receives the full current result of a watched query.
// Each delivery is internally consistent; no ordering is guaranteed
// across different watches.
type SnapshotFunc func(msgs []model.Message)

// TypingSnapshotFunc receives all typing records of a conversation.
type TypingSnapshotFunc func(states []model.TypingState)

// ErrFunc receives watch errors. Delivery of an error does not cancel
// the watch; callers decide whether to tear down and re-attach.
type ErrFunc func(err error)

// CancelFunc detaches a watch. Safe to call more than once.
type CancelFunc func()

// Store is the backing real-time store surface the sync layer runs
// against.
type Store interface {
	// Conversations
	GetConversation(ctx context.Context, key string) (*model.Conversation, error)
	MergeConversation(ctx context.Context, key string, patch model.ConversationPatch) error

	// Messages
	PutMessage(ctx context.Context, msg *model.Message) error
	QueryMessages(ctx context.Context, q MessageQuery) ([]model.Message, error)
	// UpdateMessages applies patch to every id in one batch; either all
	// listed messages are patched or none are.
	UpdateMessages(ctx context.Context, conversationID string, ids []string, patch MessagePatch) error
	WatchMessages(ctx context.Context, q MessageQuery, onSnapshot SnapshotFunc, onError ErrFunc) (CancelFunc, error)

	// Typing indicators
	MergeTyping(ctx context.Context, state model.TypingState) error
	WatchTyping(ctx context.Context, conversationID string, onSnapshot TypingSnapshotFunc, onError ErrFunc) (CancelFunc, error)

	// Match records (directional storage, callers try both orders)
	FindMatch(ctx context.Context, userA, userB string) (*model.MatchRecord, error)
	MergeMatch(ctx context.Context, id string, patch model.MatchPatch) error
}
