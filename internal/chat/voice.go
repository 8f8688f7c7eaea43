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

// liveWatcher is the retry machinery shared by the voice and typing
// subscriptions: exponential backoff with jitter, a bounded budget,
// and retries only for permission-denied and unavailable. Any other
// error is logged once and the watch stays down.
type liveWatcher struct {
	source string
	log    *logger.Logger
	policy backoffPolicy
	attach func()

	mu          sync.Mutex
	retries     int
	timer       *time.Timer
	cancelWatch store.CancelFunc
	closed      bool
	gaveUp      bool
}

func (w *liveWatcher) onSuccess() {
	w.mu.Lock()
	w.retries = 0
	w.mu.Unlock()
}

func (w *liveWatcher) onError(err error) {
	w.mu.Lock()
	if w.closed || w.gaveUp {
		w.mu.Unlock()
		return
	}
	if w.cancelWatch != nil {
		w.cancelWatch()
		w.cancelWatch = nil
	}
	code := store.CodeOf(err)
	metrics.RecordRetry(w.source, string(code))

	if !w.policy.Retryable(err) {
		w.gaveUp = true
		w.mu.Unlock()
		w.log.Warn("subscription error, not retrying", zap.Error(err))
		return
	}
	w.retries++
	if w.policy.Exhausted(w.retries - 1) {
		w.gaveUp = true
		w.mu.Unlock()
		w.log.Warn("subscription retries exhausted", zap.Error(err))
		metrics.SubscriptionFailuresTotal.WithLabelValues(w.source).Inc()
		return
	}
	delay := w.policy.Delay(w.retries)
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(delay, w.attach)
	w.mu.Unlock()
	w.log.Debug("subscription retrying",
		zap.String("code", string(code)), zap.Duration("delay", delay))
}

func (w *liveWatcher) store(cancel store.CancelFunc) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancelWatch = cancel
	w.mu.Unlock()
}

func (w *liveWatcher) close() {
	w.mu.Lock()
	w.closed = true
	if w.cancelWatch != nil {
		w.cancelWatch()
		w.cancelWatch = nil
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
}

// voiceSubscription mirrors the message subscription for the
// out-of-band voice-message stream: all voice messages of the
// conversation, no pagination, no hasMore probe.
type voiceSubscription struct {
	watcher  liveWatcher
	st       store.Store
	key      string
	onChange func()

	ctx context.Context

	mu   sync.Mutex
	msgs []model.Message
}

func newVoiceSubscription(st store.Store, log *logger.Logger, key string, policy backoffPolicy, onChange func()) *voiceSubscription {
	v := &voiceSubscription{
		st:       st,
		key:      key,
		onChange: onChange,
	}
	v.watcher = liveWatcher{
		source: "voice",
		log:    log.Named("voice"),
		policy: policy,
		attach: v.attach,
	}
	return v
}

func (v *voiceSubscription) start(ctx context.Context) {
	v.ctx = ctx
	v.attach()
}

func (v *voiceSubscription) attach() {
	if v.ctx.Err() != nil {
		return
	}
	cancel, err := v.st.WatchMessages(v.ctx, store.MessageQuery{
		ConversationID: v.key,
		Kind:           model.KindVoice,
	}, v.onSnapshot, v.watcher.onError)
	if err != nil {
		v.watcher.onError(err)
		return
	}
	v.watcher.store(cancel)
}

func (v *voiceSubscription) onSnapshot(msgs []model.Message) {
	sorted := append([]model.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt < sorted[j].CreatedAt
	})
	v.mu.Lock()
	v.msgs = sorted
	v.mu.Unlock()
	v.watcher.onSuccess()
	v.onChange()
}

func (v *voiceSubscription) snapshot() []model.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.Message(nil), v.msgs...)
}

func (v *voiceSubscription) close() {
	v.watcher.close()
}
