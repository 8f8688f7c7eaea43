package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vivaha-labs/chat-sync/internal/auth"
	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/internal/store/memstore"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

// testClock is a settable epoch-millis clock.
type testClock struct {
	mu sync.Mutex
	t  int64
}

func (c *testClock) now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t int64) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testOptions(clk *testClock) Options {
	return Options{
		PageSize:             10,
		SettleDelay:          0,
		BackoffBase:          time.Millisecond,
		BackoffJitter:        time.Millisecond,
		OfflineRetryInterval: time.Millisecond,
		Now:                  clk.now,
	}
}

func newTestFacade(t *testing.T, st store.Store, clk *testClock) *Facade {
	t.Helper()
	f := New(context.Background(), st, auth.Static{ID: "u1"}, logger.Nop(), "u1_u2", testOptions(clk))
	t.Cleanup(f.Close)
	return f
}

// gatedStore delays PutMessage until the gate opens and substitutes the
// authoritative id and timestamp the backend would assign, so the
// pre-confirmation timeline can be observed.
type gatedStore struct {
	*memstore.Store
	gate      chan struct{}
	rewriteID string
	rewriteAt int64
}

func (g *gatedStore) PutMessage(ctx context.Context, msg *model.Message) error {
	<-g.gate
	cp := *msg
	if g.rewriteID != "" {
		cp.ID = g.rewriteID
		cp.CreatedAt = g.rewriteAt
	}
	return g.Store.PutMessage(ctx, &cp)
}

func TestSendShowsOptimisticThenConfirmed(t *testing.T) {
	clk := &testClock{t: 1000}
	gs := &gatedStore{Store: memstore.New(), gate: make(chan struct{}), rewriteID: "m1", rewriteAt: 1050}
	f := newTestFacade(t, gs, clk)
	waitFor(t, "initial connect", f.Connected)

	done := make(chan error, 1)
	go func() { done <- f.SendMessage(context.Background(), "Hello", "u2", nil, "") }()

	// Before the write resolves the sender already sees the message,
	// under its temporary id.
	waitFor(t, "optimistic echo", func() bool {
		msgs := f.Messages()
		return len(msgs) == 1 && msgs[0].ID == model.TempIDPrefix+"1000"
	})

	close(gs.gate)
	if err := <-done; err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	// The confirmed copy replaces the optimistic one. Exactly one entry
	// survives despite id and timestamp differing.
	waitFor(t, "optimistic replaced by confirmed copy", func() bool {
		msgs := f.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1" && msgs[0].CreatedAt == 1050
	})
	if got := f.Err(); got != "" {
		t.Errorf("Err() = %q after a successful send", got)
	}
}

func TestSendRollsBackOptimisticOnWriteFailure(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	st.SetPutError(store.NewError(store.CodeUnknown, "write rejected"))
	if err := f.SendMessage(context.Background(), "Hello", "u2", nil, ""); err == nil {
		t.Fatal("SendMessage returned nil despite the write failing")
	}

	if msgs := f.Messages(); len(msgs) != 0 {
		t.Errorf("timeline still holds %d messages after rollback", len(msgs))
	}
	if got := f.Err(); got != "message failed to send" {
		t.Errorf("Err() = %q", got)
	}
}

func TestSendValidation(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	// Whitespace-only text is a silent no-op.
	if err := f.SendMessage(context.Background(), "   ", "u2", nil, ""); err != nil {
		t.Fatalf("SendMessage(blank): %v", err)
	}
	if msgs := f.Messages(); len(msgs) != 0 {
		t.Errorf("blank send produced %d messages", len(msgs))
	}

	// A missing recipient surfaces an error without raising one.
	if err := f.SendMessage(context.Background(), "Hello", "", nil, ""); err != nil {
		t.Fatalf("SendMessage(no recipient): %v", err)
	}
	if got := f.Err(); got != "recipient missing" {
		t.Errorf("Err() = %q", got)
	}
}

func TestDeleteKeepsPositionAndReplyReferences(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	seed := []model.Message{
		{ID: "m1", ConversationID: "u1_u2", FromUserID: "u1", ToUserID: "u2", Text: "shall we meet?", Kind: model.KindText, CreatedAt: 100},
		{ID: "m2", ConversationID: "u1_u2", FromUserID: "u2", ToUserID: "u1", Text: "yes!", Kind: model.KindText, CreatedAt: 200,
			ReplyToMessageID: "m1", ReplyToText: "shall we meet?", ReplyToKind: model.KindText, ReplyToFromUserID: "u1"},
	}
	for i := range seed {
		if err := st.PutMessage(context.Background(), &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	if err := f.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}

	waitFor(t, "soft delete visible", func() bool {
		msgs := f.Messages()
		return len(msgs) == 2 && msgs[0].Deleted
	})
	msgs := f.Messages()
	if msgs[0].ID != "m1" || msgs[0].Text != model.DeletedText {
		t.Errorf("deleted message = %+v", msgs[0])
	}
	// The reply preview on m2 is denormalized and survives the delete.
	if msgs[1].ReplyToMessageID != "m1" || msgs[1].ReplyToText != "shall we meet?" {
		t.Errorf("reply reference damaged: %+v", msgs[1])
	}
}

func TestFetchOlderPagesToExhaustion(t *testing.T) {
	clk := &testClock{t: 10_000}
	st := memstore.New()
	for i := 1; i <= 25; i++ {
		m := model.Message{
			ID: "m" + string(rune('a'+i-1)), ConversationID: "u1_u2",
			FromUserID: "u1", ToUserID: "u2", Text: "n", Kind: model.KindText,
			CreatedAt: int64(i),
		}
		if err := st.PutMessage(context.Background(), &m); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	// The live window holds the newest page; the probe notices history
	// beyond it.
	waitFor(t, "hasMore after initial window", f.HasMore)
	if got := len(f.Messages()); got != 10 {
		t.Fatalf("initial window = %d messages, want 10", got)
	}

	if err := f.FetchOlder(context.Background()); err != nil {
		t.Fatalf("FetchOlder 1: %v", err)
	}
	if !f.HasMore() {
		t.Error("HasMore = false after a full page")
	}
	if got := len(f.Messages()); got != 20 {
		t.Fatalf("after first page = %d messages, want 20", got)
	}

	if err := f.FetchOlder(context.Background()); err != nil {
		t.Fatalf("FetchOlder 2: %v", err)
	}
	if f.HasMore() {
		t.Error("HasMore = true after the final partial page")
	}

	msgs := f.Messages()
	if len(msgs) != 25 {
		t.Fatalf("full timeline = %d messages, want 25", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].CreatedAt > msgs[i].CreatedAt {
			t.Fatalf("timeline out of order at %d", i)
		}
	}

	// Paging past the end is safe and stays exhausted.
	if err := f.FetchOlder(context.Background()); err != nil {
		t.Fatalf("FetchOlder 3: %v", err)
	}
	if f.HasMore() {
		t.Error("HasMore = true after paging past the beginning")
	}
}

func TestPermissionRetriesExhaustToSignIn(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	st.SetWatchError(store.NewError(store.CodePermissionDenied, "rules rejected listen"))
	f := newTestFacade(t, st, clk)

	// Five denials retry silently; the sixth is fatal.
	waitFor(t, "sign-in error surfaced", func() bool { return f.Err() == ErrSignInAgain })
	if got := f.State(); got != StateFailed {
		t.Errorf("State() = %v, want %v", got, StateFailed)
	}
}

func TestPermissionRetriesResetOnRecovery(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	st.SetWatchError(store.NewError(store.CodePermissionDenied, "propagating"))
	f := newTestFacade(t, st, clk)

	// Let a couple of denials accumulate, then recover before the
	// budget is spent.
	waitFor(t, "some permission retries", func() bool {
		f.sub.mu.Lock()
		n := f.sub.authRetries
		f.sub.mu.Unlock()
		return n >= 2
	})
	st.SetWatchError(nil)

	waitFor(t, "reconnect", f.Connected)
	if got := f.Err(); got != "" {
		t.Errorf("Err() = %q after recovery", got)
	}
	f.sub.mu.Lock()
	n := f.sub.authRetries
	f.sub.mu.Unlock()
	if n != 0 {
		t.Errorf("authRetries = %d after a successful snapshot, want 0", n)
	}
}

func TestOfflineRetriesIndefinitely(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	st.SetWatchError(store.NewError(store.CodeUnavailable, "client offline"))
	f := newTestFacade(t, st, clk)

	waitFor(t, "offline error surfaced", func() bool { return f.Err() == ErrRetrying })
	if got := f.State(); got != StateReconnecting {
		t.Errorf("State() = %v, want %v", got, StateReconnecting)
	}

	// Offline retries never give up; clearing the fault reconnects.
	st.SetWatchError(nil)
	waitFor(t, "reconnect after offline", f.Connected)
	if got := f.Err(); got != "" {
		t.Errorf("Err() = %q after reconnect", got)
	}
}

func TestIndexErrorSurfacesWithoutRetry(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	st.SetWatchError(store.NewError(store.CodeFailedPrecondition, "the query requires an index"))
	f := newTestFacade(t, st, clk)

	waitFor(t, "index error surfaced", func() bool {
		return strings.HasPrefix(f.Err(), ErrIndexPrefix)
	})
	if got := f.State(); got != StateFailed {
		t.Errorf("State() = %v, want %v", got, StateFailed)
	}
	if !strings.Contains(f.Err(), "requires an index") {
		t.Errorf("Err() = %q, want the store detail preserved", f.Err())
	}
}

func TestTypingStalenessAndSelfFilter(t *testing.T) {
	clk := &testClock{t: 100_000}
	st := memstore.New()
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	write := func(user string, typing bool, at int64) {
		t.Helper()
		err := st.MergeTyping(context.Background(), model.TypingState{
			ConversationID: "u1_u2", UserID: user, IsTyping: typing, UpdatedAt: at,
		})
		if err != nil {
			t.Fatalf("MergeTyping: %v", err)
		}
	}

	write("u2", true, 99_000)
	write("u1", true, 99_500)
	waitFor(t, "peer typing", func() bool { return f.Typing()["u2"] })
	if _, ok := f.Typing()["u1"]; ok {
		t.Error("own typing record leaked into the map")
	}

	// Staleness is evaluated at read time. One second later the record
	// is still fresh; past the threshold it flips without a new write.
	clk.set(99_000 + model.TypingStaleAfterMillis)
	if !f.Typing()["u2"] {
		t.Error("record at exactly the staleness bound reported not typing")
	}
	clk.set(99_000 + model.TypingStaleAfterMillis + 1)
	if f.Typing()["u2"] {
		t.Error("stale record still reported typing")
	}

	// An explicit stop wins regardless of freshness.
	write("u2", false, clk.now())
	waitFor(t, "typing stop", func() bool { return !f.Typing()["u2"] })
}

func TestVoiceMessagesInterleaveChronologically(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	seed := []model.Message{
		{ID: "t1", ConversationID: "u1_u2", FromUserID: "u1", ToUserID: "u2", Text: "hi", Kind: model.KindText, CreatedAt: 100},
		{ID: "v1", ConversationID: "u1_u2", FromUserID: "u2", ToUserID: "u1", Kind: model.KindVoice, CreatedAt: 200, AudioStorageID: "blob-1", Duration: 4},
		{ID: "t2", ConversationID: "u1_u2", FromUserID: "u1", ToUserID: "u2", Text: "heard it", Kind: model.KindText, CreatedAt: 300},
	}
	for i := range seed {
		if err := st.PutMessage(context.Background(), &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f := newTestFacade(t, st, clk)
	waitFor(t, "timeline populated", func() bool { return len(f.Messages()) == 3 })

	if !sameIDs(ids(f.Messages()), "t1", "v1", "t2") {
		t.Errorf("timeline = %v, want [t1 v1 t2]", ids(f.Messages()))
	}
}

func TestUpdatesSignalCoalesces(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	// Drain anything from startup.
	select {
	case <-f.Updates():
	default:
	}

	m := model.Message{ID: "m1", ConversationID: "u1_u2", FromUserID: "u2", ToUserID: "u1", Text: "ping", Kind: model.KindText, CreatedAt: 500}
	if err := st.PutMessage(context.Background(), &m); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	select {
	case <-f.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update signal after a store mutation")
	}
}

func TestCloseTearsDown(t *testing.T) {
	clk := &testClock{t: 1000}
	st := memstore.New()
	f := newTestFacade(t, st, clk)
	waitFor(t, "initial connect", f.Connected)

	if err := f.SendMessage(context.Background(), "Hello", "u2", nil, ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	f.Close()
	if got := f.State(); got != StateIdle {
		t.Errorf("State() = %v after Close, want %v", got, StateIdle)
	}
	if n := len(f.act.optimisticSnapshot()); n != 0 {
		t.Errorf("optimistic buffer holds %d entries after Close", n)
	}
	// Idempotent.
	f.Close()
}
