package chat

import (
	"context"
	"testing"
	"time"

	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/internal/store/memstore"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

func newTestEnsurer(st store.Store, key, self string) *Ensurer {
	e := NewEnsurer(st, logger.Nop(), key, self)
	e.sleep = func(time.Duration) {}
	e.now = func() int64 { return 42 }
	return e
}

func TestEnsureExistsCreatesConversation(t *testing.T) {
	st := memstore.New()
	e := newTestEnsurer(st, "u1_u2", "u1")

	e.EnsureExists(context.Background())

	conv, err := st.GetConversation(context.Background(), "u1_u2")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !conv.WellFormed() || !conv.HasParticipant("u1") || !conv.HasParticipant("u2") {
		t.Errorf("bootstrap wrote participants %v", conv.Participants)
	}
	if conv.UpdatedAt != 42 {
		t.Errorf("UpdatedAt = %d, want 42", conv.UpdatedAt)
	}
}

func TestEnsureExistsRunsOncePerLifetime(t *testing.T) {
	st := memstore.New()
	e := newTestEnsurer(st, "u1_u2", "u1")

	e.EnsureExists(context.Background())
	// Corrupt the record; a second call must not touch it.
	later := int64(99)
	if err := st.MergeConversation(context.Background(), "u1_u2", model.ConversationPatch{UpdatedAt: &later}); err != nil {
		t.Fatalf("MergeConversation: %v", err)
	}
	e.EnsureExists(context.Background())

	conv, _ := st.GetConversation(context.Background(), "u1_u2")
	if conv.UpdatedAt != 99 {
		t.Errorf("second EnsureExists rewrote the record, UpdatedAt = %d", conv.UpdatedAt)
	}

	// After Reset the upsert runs again.
	e.Reset()
	e.EnsureExists(context.Background())
	conv, _ = st.GetConversation(context.Background(), "u1_u2")
	if conv.UpdatedAt != 42 {
		t.Errorf("EnsureExists after Reset did not rewrite, UpdatedAt = %d", conv.UpdatedAt)
	}
}

func TestEnsureExistsSkipsNonMember(t *testing.T) {
	st := memstore.New()
	e := newTestEnsurer(st, "u1_u2", "intruder")

	e.EnsureExists(context.Background())

	if _, err := st.GetConversation(context.Background(), "u1_u2"); store.CodeOf(err) != store.CodeNotFound {
		t.Errorf("non-member bootstrap wrote a conversation, err = %v", err)
	}
}

func TestEnsureReadableBootstrapsMissingConversation(t *testing.T) {
	st := memstore.New()
	e := newTestEnsurer(st, "u1_u2", "u1")

	// Nothing exists yet. The first probe hits not-found, triggers the
	// bootstrap upsert, and a later attempt confirms membership.
	if !e.EnsureReadable(context.Background()) {
		t.Fatal("EnsureReadable = false for a bootstrappable conversation")
	}
}

func TestEnsureReadableWaitsOutPermissionLag(t *testing.T) {
	st := memstore.New()
	e := newTestEnsurer(st, "u1_u2", "u1")
	e.EnsureExists(context.Background())

	// Reads fail with permission-denied until credential propagation
	// completes partway through the poll.
	st.SetGetConversationError(store.NewError(store.CodePermissionDenied, "propagating"))
	reads := 0
	e.sleep = func(time.Duration) {
		reads++
		if reads == 2 {
			st.SetGetConversationError(nil)
		}
	}

	if !e.EnsureReadable(context.Background()) {
		t.Fatal("EnsureReadable = false despite permissions recovering within budget")
	}
}

func TestEnsureReadableGivesUpAfterBudget(t *testing.T) {
	st := memstore.New()
	e := newTestEnsurer(st, "u1_u2", "u1")
	st.SetGetConversationError(store.NewError(store.CodePermissionDenied, "stuck"))

	slept := 0
	e.sleep = func(time.Duration) { slept++ }

	if e.EnsureReadable(context.Background()) {
		t.Fatal("EnsureReadable = true while reads are permanently denied")
	}
	if slept != ensureReadableAttempts-1 {
		t.Errorf("slept %d times, want %d", slept, ensureReadableAttempts-1)
	}
}

func TestEnsureReadableRepairsMalformedMembership(t *testing.T) {
	st := memstore.New()
	// A record exists but lists only the peer.
	if err := st.MergeConversation(context.Background(), "u1_u2", model.ConversationPatch{Participants: []string{"u2"}}); err != nil {
		t.Fatalf("MergeConversation: %v", err)
	}
	e := newTestEnsurer(st, "u1_u2", "u1")

	if !e.EnsureReadable(context.Background()) {
		t.Fatal("EnsureReadable = false, repair did not restore membership")
	}
	conv, _ := st.GetConversation(context.Background(), "u1_u2")
	if !conv.HasParticipant("u1") || !conv.HasParticipant("u2") {
		t.Errorf("participants after repair = %v", conv.Participants)
	}
}
