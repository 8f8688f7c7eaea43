package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
	"github.com/vivaha-labs/chat-sync/pkg/metrics"
)

const (
	// ensurePropagationDelay is slept after the bootstrap upsert so
	// the write reaches the store's authorization layer before anyone
	// subscribes.
	ensurePropagationDelay = 100 * time.Millisecond

	// ensureReadableAttempts bounds the readability poll.
	ensureReadableAttempts = 4

	// ensureReadableBaseDelay escalates linearly per attempt.
	ensureReadableBaseDelay = 150 * time.Millisecond
)

// Ensurer guarantees a conversation record exists and is readable by
// the current participant before any subscription attaches.
//
// The backing store enforces access by participant membership, but a
// fresh sign-in's credential may not have propagated yet, and a
// brand-new conversation does not exist before the first send. The
// Ensurer absorbs both races so no caller handles them individually.
type Ensurer struct {
	store store.Store
	log   *logger.Logger
	key   string
	self  string

	sleep func(time.Duration)
	now   func() int64

	mu      sync.Mutex
	ensured bool
}

// NewEnsurer creates an Ensurer for one conversation lifetime. The
// ensured flag is reset with Reset whenever the active key changes.
func NewEnsurer(st store.Store, log *logger.Logger, key, self string) *Ensurer {
	return &Ensurer{
		store: st,
		log:   log.Named("ensure").WithConversation(key, self),
		key:   key,
		self:  self,
		sleep: time.Sleep,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

// EnsureExists upserts the conversation record once per conversation
// lifetime. No-op when already ensured, when key or user are absent,
// or when the current user is not a member of the key. Write errors
// are swallowed; the readability probe downstream retries.
func (e *Ensurer) EnsureExists(ctx context.Context) {
	e.mu.Lock()
	if e.ensured {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if e.key == "" || e.self == "" {
		return
	}
	peer, member := PeerOf(e.key, e.self)
	if !member {
		e.log.Warn("current user is not a member of conversation key")
		return
	}

	participants := []string{e.self, peer}
	sort.Strings(participants)
	now := e.now()
	err := e.store.MergeConversation(ctx, e.key, model.ConversationPatch{
		Participants: participants,
		UpdatedAt:    &now,
	})
	if err != nil {
		e.log.Warn("conversation bootstrap write failed", zap.Error(err))
		return
	}
	metrics.ConversationsEnsuredTotal.Inc()

	// Let the write reach the authorization layer before marking done.
	e.sleep(ensurePropagationDelay)

	e.mu.Lock()
	e.ensured = true
	e.mu.Unlock()
}

// EnsureReadable polls until the conversation document exists and
// lists the current user as a participant. Missing documents trigger
// EnsureExists; permission-denied reads wait out credential
// propagation; a structurally malformed membership gets one repair
// attempt. Returns true only once membership is confirmed.
func (e *Ensurer) EnsureReadable(ctx context.Context) bool {
	repaired := false
	for attempt := 1; attempt <= ensureReadableAttempts; attempt++ {
		conv, err := e.store.GetConversation(ctx, e.key)
		switch {
		case err == nil:
			if conv.WellFormed() && conv.HasParticipant(e.self) {
				return true
			}
			if !repaired {
				repaired = true
				e.log.Warn("conversation membership malformed, attempting repair",
					zap.Strings("participants", conv.Participants))
				e.mu.Lock()
				e.ensured = false
				e.mu.Unlock()
				e.EnsureExists(ctx)
			} else {
				e.log.Warn("conversation membership still malformed after repair")
				return false
			}
		case store.CodeOf(err) == store.CodeNotFound:
			e.EnsureExists(ctx)
		case store.CodeOf(err) == store.CodePermissionDenied:
			// Credential propagation lag after sign-in. Wait it out.
		default:
			e.log.Warn("conversation readability probe failed", zap.Error(err))
		}

		if attempt < ensureReadableAttempts {
			e.sleep(ensureReadableBaseDelay * time.Duration(attempt))
		}
	}
	e.log.Warn("conversation not readable after retries")
	return false
}

// Reset clears the one-shot ensured flag. Called whenever the active
// conversation changes.
func (e *Ensurer) Reset() {
	e.mu.Lock()
	e.ensured = false
	e.mu.Unlock()
}
