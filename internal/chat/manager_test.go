package chat

import (
	"context"
	"testing"

	"github.com/vivaha-labs/chat-sync/internal/auth"
	"github.com/vivaha-labs/chat-sync/internal/store/memstore"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

func TestManagerReusesSameConversation(t *testing.T) {
	clk := &testClock{t: 1000}
	m := NewManager(memstore.New(), logger.Nop(), testOptions(clk))
	defer m.CloseAll()

	session := auth.Static{ID: "u1"}
	f1 := m.Open(context.Background(), session, "u1_u2")
	f2 := m.Open(context.Background(), session, "u2_u1") // same pair, other order
	if f1 != f2 {
		t.Error("reopening the same conversation created a new facade")
	}
}

func TestManagerSwitchClosesPrevious(t *testing.T) {
	clk := &testClock{t: 1000}
	m := NewManager(memstore.New(), logger.Nop(), testOptions(clk))
	defer m.CloseAll()

	session := auth.Static{ID: "u1"}
	f1 := m.Open(context.Background(), session, "u1_u2")
	f2 := m.Open(context.Background(), session, "u1_u3")
	if f1 == f2 {
		t.Fatal("switching conversations reused the old facade")
	}
	if got := f1.State(); got != StateIdle {
		t.Errorf("previous facade State() = %v after switch, want %v", got, StateIdle)
	}
	if got := f2.Key(); got != "u1_u3" {
		t.Errorf("new facade Key() = %q", got)
	}
}

func TestManagerGetAndCloseUser(t *testing.T) {
	clk := &testClock{t: 1000}
	m := NewManager(memstore.New(), logger.Nop(), testOptions(clk))
	defer m.CloseAll()

	session := auth.Static{ID: "u1"}
	f := m.Open(context.Background(), session, "u1_u2")

	if got, ok := m.Get("u1", "u2_u1"); !ok || got != f {
		t.Error("Get did not resolve the active facade by normalized key")
	}
	if _, ok := m.Get("u1", "u1_u3"); ok {
		t.Error("Get resolved a facade for a different conversation")
	}
	if _, ok := m.Get("u9", "u1_u2"); ok {
		t.Error("Get resolved a facade for an unknown user")
	}

	m.CloseUser("u1")
	if _, ok := m.Get("u1", "u1_u2"); ok {
		t.Error("facade still resolvable after CloseUser")
	}
	if got := f.State(); got != StateIdle {
		t.Errorf("State() = %v after CloseUser, want %v", got, StateIdle)
	}
}
