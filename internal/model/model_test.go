package model

import "testing"

func TestIsOptimisticID(t *testing.T) {
	if !IsOptimisticID("tmp-1693000000000") {
		t.Error("temp id not recognized as optimistic")
	}
	if IsOptimisticID("a2f8b1c4") {
		t.Error("store id misclassified as optimistic")
	}
	m := Message{ID: TempIDPrefix + "1"}
	if !m.IsOptimistic() {
		t.Error("Message.IsOptimistic disagrees with IsOptimisticID")
	}
}

func TestMessageSummary(t *testing.T) {
	m := Message{FromUserID: "u1", Text: "hello", Kind: KindText, CreatedAt: 100}
	s := m.Summary()
	if s.Text != "hello" || s.Kind != KindText || s.FromUserID != "u1" || s.CreatedAt != 100 {
		t.Errorf("summary = %+v", s)
	}

	v := Message{FromUserID: "u1", Kind: KindVoice, CreatedAt: 100}
	if got := v.Summary().Text; got != "[Voice message]" {
		t.Errorf("voice summary text = %q", got)
	}
}

func TestConversationWellFormed(t *testing.T) {
	tests := []struct {
		participants []string
		want         bool
	}{
		{[]string{"u1", "u2"}, true},
		{[]string{"u1"}, false},
		{[]string{"u1", "u2", "u3"}, false},
		{[]string{"u1", ""}, false},
		{nil, false},
	}
	for _, tt := range tests {
		c := Conversation{Participants: tt.participants}
		if got := c.WellFormed(); got != tt.want {
			t.Errorf("WellFormed(%v) = %v, want %v", tt.participants, got, tt.want)
		}
	}
}

func TestConversationHasParticipant(t *testing.T) {
	c := Conversation{Participants: []string{"u1", "u2"}}
	if !c.HasParticipant("u1") || !c.HasParticipant("u2") {
		t.Error("member not found")
	}
	if c.HasParticipant("u3") {
		t.Error("non-member reported as participant")
	}
}

func TestTypingFresh(t *testing.T) {
	st := TypingState{UpdatedAt: 10_000}
	if !st.Fresh(10_000 + TypingStaleAfterMillis) {
		t.Error("record at the staleness bound reported stale")
	}
	if st.Fresh(10_000 + TypingStaleAfterMillis + 1) {
		t.Error("record past the staleness bound reported fresh")
	}
}
