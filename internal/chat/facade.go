package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vivaha-labs/chat-sync/internal/auth"
	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

// State is the readiness of a conversation's sync machinery.
type State string

const (
	StateIdle         State = "idle"
	StateEnsuring     State = "ensuring"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Options tunes a Facade. Zero values take the production defaults;
// tests shrink the delays.
type Options struct {
	PageSize             int
	SettleDelay          time.Duration
	BackoffBase          time.Duration
	BackoffJitter        time.Duration
	OfflineRetryInterval time.Duration
	Uploader             VoiceUploader
	// Now overrides the clock (epoch millis).
	Now func() int64
}

func (o *Options) withDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.BackoffJitter <= 0 {
		o.BackoffJitter = defaultBackoffJitter
	}
	if o.OfflineRetryInterval <= 0 {
		o.OfflineRetryInterval = offlineRetryInterval
	}
	if o.Now == nil {
		o.Now = func() int64 { return time.Now().UnixMilli() }
	}
}

// Facade is the single stateful interface the UI layer consumes for
// one (user, conversation) pair. It composes the ensurer, the three
// live subscriptions and the write path, and folds their isolated
// state slices into one reconciled timeline on every read.
//
// A Facade is bound to its conversation key for its whole lifetime;
// switching conversations means Close and a fresh Facade, which is
// what guarantees full teardown of watches and timers, ensurer reset
// and a cleared optimistic buffer.
type Facade struct {
	key  string
	self string
	log  *logger.Logger

	ens    *Ensurer
	sub    *messageSubscription
	voice  *voiceSubscription
	typing *typingListener
	act    *actions

	cancel context.CancelFunc

	mu       sync.Mutex
	errMsg   string
	fatalErr bool
	hasMore  bool
	closed   bool
	updates  chan struct{}
}

// New builds and starts the sync machinery for rawKey. The key is
// normalized; the current user must come from the auth provider.
func New(ctx context.Context, st store.Store, authp auth.Provider, log *logger.Logger, rawKey string, opts Options) *Facade {
	opts.withDefaults()

	key := NormalizeKey(rawKey)
	self := authp.UserID()
	flog := log.Named("chat").WithConversation(key, self)

	f := &Facade{
		key:     key,
		self:    self,
		log:     flog,
		updates: make(chan struct{}, 1),
	}

	f.ens = NewEnsurer(st, flog, key, self)
	f.ens.now = opts.Now

	policy := backoffPolicy{
		Base:       opts.BackoffBase,
		JitterMax:  opts.BackoffJitter,
		MaxRetries: defaultMaxRetries,
		Retryable:  defaultPolicy().Retryable,
	}

	f.sub = &messageSubscription{
		st:          st,
		authp:       authp,
		log:         flog.Named("messages"),
		ens:         f.ens,
		key:         key,
		self:        self,
		pageSize:    opts.PageSize,
		settleDelay: opts.SettleDelay,
		policy:      policy,
		offlineTick: opts.OfflineRetryInterval,
		onChange:    f.notify,
		setHasMore:  f.setHasMore,
		setError:    f.setError,
	}
	f.voice = newVoiceSubscription(st, flog, key, policy, f.notify)
	f.typing = newTypingListener(st, flog, key, self, policy, opts.Now, f.notify)

	f.act = &actions{
		st:           st,
		log:          flog.Named("actions"),
		key:          key,
		self:         self,
		uploader:     opts.Uploader,
		pageSize:     opts.PageSize,
		now:          opts.Now,
		newID:        func() string { return uuid.Must(uuid.NewV7()).String() },
		setError:     f.setError,
		setHasMore:   f.setHasMore,
		onChange:     f.notify,
		windowOldest: f.sub.oldestInWindow,
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.sub.start(runCtx)
	f.voice.start(runCtx)
	f.typing.start(runCtx)
	return f
}

// Key returns the normalized conversation key.
func (f *Facade) Key() string { return f.key }

// Messages returns the reconciled ascending timeline.
func (f *Facade) Messages() []model.Message {
	return reconcile(
		f.act.olderSnapshot(),
		f.sub.snapshot(),
		f.voice.snapshot(),
		f.act.optimisticSnapshot(),
	)
}

// Typing reports otherUserID -> isTyping with staleness applied.
func (f *Facade) Typing() map[string]bool {
	return f.typing.typingMap()
}

// Connected reports whether the live message window is attached.
func (f *Facade) Connected() bool {
	return f.sub.isConnected()
}

// Err returns the current user-visible error, or "".
func (f *Facade) Err() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errMsg
}

// HasMore reports whether older history may exist beyond what has been
// paged in.
func (f *Facade) HasMore() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasMore
}

// LoadingOlder reports whether a fetchOlder call is in flight. Callers
// use it to suppress duplicate triggers from scroll-edge re-entry.
func (f *Facade) LoadingOlder() bool {
	return f.act.isLoadingOlder()
}

// State derives the composed readiness of the conversation.
func (f *Facade) State() State {
	f.mu.Lock()
	closed, fatal, errMsg := f.closed, f.fatalErr, f.errMsg
	f.mu.Unlock()
	switch {
	case closed:
		return StateIdle
	case fatal:
		return StateFailed
	case f.sub.isConnected():
		return StateConnected
	case errMsg != "":
		return StateReconnecting
	default:
		return StateEnsuring
	}
}

// SendMessage sends a text message with optimistic local echo.
func (f *Facade) SendMessage(ctx context.Context, text, toUserID string, reply *ReplyMeta, customTempID string) error {
	return f.act.sendMessage(ctx, text, toUserID, reply, customTempID)
}

// SendVoiceMessage uploads the blob and appends the voice entry.
func (f *Facade) SendVoiceMessage(ctx context.Context, blob []byte, toUserID string, duration int) error {
	return f.act.sendVoiceMessage(ctx, blob, toUserID, duration)
}

// SendTypingStart marks the current user as typing.
func (f *Facade) SendTypingStart(ctx context.Context) {
	f.act.sendTyping(ctx, true)
}

// SendTypingStop clears the current user's typing state.
func (f *Facade) SendTypingStop(ctx context.Context) {
	f.act.sendTyping(ctx, false)
}

// MarkAsRead batches read receipts for the given message ids.
func (f *Facade) MarkAsRead(ctx context.Context, messageIDs []string) {
	f.act.markAsRead(ctx, messageIDs)
}

// FetchOlder pages one batch of older history into the timeline.
func (f *Facade) FetchOlder(ctx context.Context) error {
	return f.act.fetchOlder(ctx)
}

// DeleteMessage soft-deletes a message in place.
func (f *Facade) DeleteMessage(ctx context.Context, messageID string) error {
	return f.act.deleteMessage(ctx, messageID)
}

// RefreshMessages clears the older-messages accumulator so the next
// FetchOlder re-pages from the live window boundary.
func (f *Facade) RefreshMessages() {
	f.act.refresh()
}

// Updates signals after any state slice changes. Coalesced; receivers
// re-read the accessors rather than consuming payloads.
func (f *Facade) Updates() <-chan struct{} {
	return f.updates
}

// Close tears down every watch and pending retry timer, resets the
// ensurer and drops the optimistic buffer.
func (f *Facade) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	f.sub.close()
	f.voice.close()
	f.typing.close()
	f.ens.Reset()
	f.act.clearOptimistic()
}

func (f *Facade) notify() {
	select {
	case f.updates <- struct{}{}:
	default:
	}
}

func (f *Facade) setError(msg string) {
	f.mu.Lock()
	f.errMsg = msg
	f.fatalErr = msg == ErrSignInAgain || strings.HasPrefix(msg, ErrIndexPrefix)
	f.mu.Unlock()
}

func (f *Facade) setHasMore(v bool) {
	f.mu.Lock()
	f.hasMore = v
	f.mu.Unlock()
}
