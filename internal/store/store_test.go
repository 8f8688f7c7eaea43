package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/vivaha-labs/chat-sync/internal/model"
)

func TestCodeOf(t *testing.T) {
	if got := CodeOf(NewError(CodeUnavailable, "offline")); got != CodeUnavailable {
		t.Errorf("CodeOf = %v", got)
	}
	// Codes survive wrapping.
	wrapped := fmt.Errorf("watch failed: %w", NewError(CodePermissionDenied, "denied"))
	if got := CodeOf(wrapped); got != CodePermissionDenied {
		t.Errorf("CodeOf(wrapped) = %v", got)
	}
	if got := CodeOf(errors.New("plain")); got != CodeUnknown {
		t.Errorf("CodeOf(plain) = %v", got)
	}
	if got := CodeOf(nil); got != CodeUnknown {
		t.Errorf("CodeOf(nil) = %v", got)
	}
}

func TestIsIndexError(t *testing.T) {
	if !IsIndexError(NewError(CodeFailedPrecondition, "the query requires an INDEX to run")) {
		t.Error("index precondition not recognized")
	}
	if IsIndexError(NewError(CodeFailedPrecondition, "document locked")) {
		t.Error("unrelated precondition classified as index error")
	}
	if IsIndexError(NewError(CodeUnavailable, "index rebuild in progress")) {
		t.Error("non-precondition code classified as index error")
	}
}

func TestMessageQueryApply(t *testing.T) {
	msgs := []model.Message{
		{ID: "a", Kind: model.KindText, CreatedAt: 100},
		{ID: "b", Kind: model.KindVoice, CreatedAt: 200},
		{ID: "c", Kind: model.KindText, CreatedAt: 300},
		{ID: "d", Kind: model.KindText, CreatedAt: 200},
	}

	// Ascending, no bounds.
	got := MessageQuery{}.Apply(msgs)
	if len(got) != 4 || got[0].ID != "a" || got[3].ID != "c" {
		t.Errorf("unbounded = %v", idsOf(got))
	}
	// Ties keep arrival order under the stable sort.
	if got[1].ID != "b" || got[2].ID != "d" {
		t.Errorf("tie order = %v, want b before d", idsOf(got))
	}

	got = MessageQuery{Kind: model.KindVoice}.Apply(msgs)
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("kind filter = %v", idsOf(got))
	}

	got = MessageQuery{Before: 200}.Apply(msgs)
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("before cursor = %v, want the strictly older row only", idsOf(got))
	}

	got = MessageQuery{Descending: true, Limit: 2}.Apply(msgs)
	if len(got) != 2 || got[0].ID != "c" {
		t.Errorf("descending window = %v", idsOf(got))
	}

	if got := (MessageQuery{}).Apply(nil); got != nil {
		t.Errorf("Apply(nil) = %v", got)
	}
}

func idsOf(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
