package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vivaha-labs/chat-sync/internal/auth"
	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
	"github.com/vivaha-labs/chat-sync/pkg/metrics"
)

const (
	defaultPageSize    = 30
	defaultSettleDelay = 300 * time.Millisecond

	// offlineRetryInterval is the flat cadence for reconnect attempts
	// while the network is unavailable. Offline retries are unbounded.
	offlineRetryInterval = 1500 * time.Millisecond

	// authRetryBudget bounds silent permission-denied retries before
	// the error is surfaced as a sign-in problem.
	authRetryBudget = 5
)

// Connection-state errors surfaced to the UI.
const (
	ErrSignInAgain = "please sign in again"
	ErrRetrying    = "connection lost, retrying"
	ErrIndexPrefix = "missing index, contact admin: "
)

// messageSubscription maintains the live window of the most recent N
// messages for one conversation. The live query's error channel drives
// a retry state machine: permission-denied is absorbed silently up to
// authRetryBudget (credential propagation after sign-in), offline is
// retried indefinitely at a flat cadence, index errors surface
// unretried, and everything else gets the exponential budget.
type messageSubscription struct {
	st          store.Store
	authp       auth.Provider
	log         *logger.Logger
	ens         *Ensurer
	key         string
	self        string
	pageSize    int
	settleDelay time.Duration
	policy      backoffPolicy
	offlineTick time.Duration

	onChange   func()
	setHasMore func(bool)
	setError   func(string)

	ctx       context.Context
	cancelCtx context.CancelFunc

	mu          sync.Mutex
	window      []model.Message
	connected   bool
	authRetries int
	miscRetries int
	cancelWatch store.CancelFunc
	timer       *time.Timer
	closed      bool
}

func (s *messageSubscription) start(ctx context.Context) {
	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	go s.run()
}

func (s *messageSubscription) run() {
	// Wait out session resolution; attaching with a half-loaded
	// credential guarantees a permission error.
	for s.authp.Loading() {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	if s.settleDelay > 0 {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.settleDelay):
		}
	}
	s.attach()
}

func (s *messageSubscription) attach() {
	if s.ctx.Err() != nil {
		return
	}
	if err := s.authp.ForceRefresh(s.ctx); err != nil {
		s.log.Debug("credential refresh failed before attach", zap.Error(err))
	}
	s.ens.EnsureExists(s.ctx)
	if !s.ens.EnsureReadable(s.ctx) {
		s.log.Warn("attaching without readability confirmation")
	}

	cancel, err := s.st.WatchMessages(s.ctx, store.MessageQuery{
		ConversationID: s.key,
		Limit:          s.pageSize,
		Descending:     true,
	}, s.onSnapshot, s.onWatchError)
	if err != nil {
		s.onWatchError(err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancelWatch = cancel
	s.mu.Unlock()
}

// onSnapshot receives the descending most-recent-N window and exposes
// it ascending. Every successful delivery resets the retry machine.
func (s *messageSubscription) onSnapshot(msgs []model.Message) {
	window := append([]model.Message(nil), msgs...)
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].CreatedAt < window[j].CreatedAt
	})

	s.mu.Lock()
	s.window = window
	s.connected = true
	s.authRetries = 0
	s.miscRetries = 0
	s.mu.Unlock()

	s.setError("")
	metrics.TimelineSize.Observe(float64(len(window)))

	// Probe for anything older than the window without a count query:
	// a single row strictly older than the oldest is enough.
	if len(window) == 0 {
		s.setHasMore(false)
	} else {
		oldest := window[0].CreatedAt
		go s.probeOlder(oldest)
	}

	s.onChange()
}

func (s *messageSubscription) probeOlder(oldest int64) {
	older, err := s.st.QueryMessages(s.ctx, store.MessageQuery{
		ConversationID: s.key,
		Before:         oldest,
		Limit:          1,
		Descending:     true,
	})
	if err != nil {
		s.log.Debug("older-message probe failed", zap.Error(err))
		return
	}
	s.setHasMore(len(older) > 0)
	s.onChange()
}

func (s *messageSubscription) onWatchError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
	s.connected = false

	code := store.CodeOf(err)
	metrics.RecordRetry("messages", string(code))

	switch {
	case store.IsIndexError(err):
		// Operator-actionable; retrying cannot help.
		s.mu.Unlock()
		s.log.Error("live query needs a server-side index", zap.Error(err))
		metrics.SubscriptionFailuresTotal.WithLabelValues("messages").Inc()
		s.setError(ErrIndexPrefix + err.Error())
		s.onChange()
		return

	case code == store.CodePermissionDenied:
		s.authRetries++
		if s.authRetries > authRetryBudget {
			s.mu.Unlock()
			s.log.Error("permission retries exhausted", zap.Error(err))
			metrics.SubscriptionFailuresTotal.WithLabelValues("messages").Inc()
			s.setError(ErrSignInAgain)
			s.onChange()
			return
		}
		// Expected right after sign-in; retry silently.
		delay := s.policy.Delay(s.authRetries)
		s.log.Debug("permission denied, retrying",
			zap.Int("attempt", s.authRetries), zap.Duration("delay", delay))
		s.scheduleLocked(delay)
		s.mu.Unlock()
		return

	case code == store.CodeUnavailable:
		// Offline: retry forever at a flat cadence, tell the UI.
		s.scheduleLocked(s.offlineTick)
		s.mu.Unlock()
		s.setError(ErrRetrying)
		s.onChange()
		return

	default:
		s.miscRetries++
		if s.miscRetries > s.policy.MaxRetries {
			s.mu.Unlock()
			s.log.Error("subscription retries exhausted", zap.Error(err))
			metrics.SubscriptionFailuresTotal.WithLabelValues("messages").Inc()
			s.setError(err.Error())
			s.onChange()
			return
		}
		delay := s.policy.Delay(s.miscRetries)
		s.log.Warn("subscription error, retrying",
			zap.Error(err), zap.Int("attempt", s.miscRetries), zap.Duration("delay", delay))
		s.scheduleLocked(delay)
		s.mu.Unlock()
		return
	}
}

func (s *messageSubscription) scheduleLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, s.attach)
}

func (s *messageSubscription) snapshot() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.window...)
}

func (s *messageSubscription) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *messageSubscription) oldestInWindow() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.window) == 0 {
		return 0
	}
	return s.window[0].CreatedAt
}

// close tears the subscription down: live query detached, pending
// retry timers cleared. Leaked timers would keep retrying against a
// conversation the UI no longer displays.
func (s *messageSubscription) close() {
	s.mu.Lock()
	s.closed = true
	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.cancelCtx()
}
