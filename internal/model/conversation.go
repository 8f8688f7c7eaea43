// Package model defines data structures for the messaging core.
package model

// Conversation is the per-thread record shared by both participants.
// It is created lazily on first send or first read attempt and never
// deleted by this core.
type Conversation struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	UpdatedAt    int64           `json:"updated_at"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// WellFormed reports whether the membership list is structurally valid:
// exactly two non-empty participant ids.
func (c *Conversation) WellFormed() bool {
	if len(c.Participants) != 2 {
		return false
	}
	return c.Participants[0] != "" && c.Participants[1] != ""
}

// ConversationPatch is a merge-write against a conversation record.
// Nil fields are left untouched so concurrent writers do not clobber
// each other.
type ConversationPatch struct {
	Participants []string        `json:"participants,omitempty"`
	LastMessage  *MessageSummary `json:"last_message,omitempty"`
	UpdatedAt    *int64          `json:"updated_at,omitempty"`
}

// MatchRecord is the "matched" relationship document between two
// users. It is stored directionally (UserA initiated), so lookups must
// try both id orders. Lifecycle is owned by the matching service; this
// core only refreshes its last-message preview.
type MatchRecord struct {
	ID          string          `json:"id"`
	UserA       string          `json:"user_a"`
	UserB       string          `json:"user_b"`
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UpdatedAt   int64           `json:"updated_at"`
}

// MatchPatch is a merge-write against a match record.
type MatchPatch struct {
	LastMessage *MessageSummary `json:"last_message,omitempty"`
	UpdatedAt   *int64          `json:"updated_at,omitempty"`
}
