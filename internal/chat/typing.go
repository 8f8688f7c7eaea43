package chat

import (
	"context"
	"sync"

	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

// typingListener watches the per-user typing documents of one
// conversation. Raw records are kept and staleness is evaluated at
// read time, so an aging record flips to not-typing without needing a
// fresh snapshot.
type typingListener struct {
	watcher  liveWatcher
	st       store.Store
	key      string
	self     string
	onChange func()
	now      func() int64

	ctx context.Context

	mu     sync.Mutex
	states []model.TypingState
}

func newTypingListener(st store.Store, log *logger.Logger, key, self string, policy backoffPolicy, now func() int64, onChange func()) *typingListener {
	t := &typingListener{
		st:       st,
		key:      key,
		self:     self,
		onChange: onChange,
		now:      now,
	}
	t.watcher = liveWatcher{
		source: "typing",
		log:    log.Named("typing"),
		policy: policy,
		attach: t.attach,
	}
	return t
}

func (t *typingListener) start(ctx context.Context) {
	t.ctx = ctx
	t.attach()
}

func (t *typingListener) attach() {
	if t.ctx.Err() != nil {
		return
	}
	cancel, err := t.st.WatchTyping(t.ctx, t.key, t.onSnapshot, t.watcher.onError)
	if err != nil {
		t.watcher.onError(err)
		return
	}
	t.watcher.store(cancel)
}

func (t *typingListener) onSnapshot(states []model.TypingState) {
	t.mu.Lock()
	t.states = append([]model.TypingState(nil), states...)
	t.mu.Unlock()
	t.watcher.onSuccess()
	t.onChange()
}

// typingMap reports otherUserID -> isTyping, filtering out the current
// user's own record and anything stale.
func (t *typingListener) typingMap() map[string]bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]bool, len(t.states))
	for _, st := range t.states {
		if st.UserID == t.self {
			continue
		}
		out[st.UserID] = st.IsTyping && st.Fresh(now)
	}
	return out
}

func (t *typingListener) close() {
	t.watcher.close()
}
