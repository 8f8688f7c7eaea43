package model

// TypingStaleAfterMillis is how long a typing record stays meaningful.
// Staleness is evaluated at read time; stale records are never deleted.
const TypingStaleAfterMillis = 5000

// TypingState is the per-(conversation, user) typing indicator record.
type TypingState struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
	UpdatedAt      int64  `json:"updated_at"`
}

// Fresh reports whether the record is still meaningful at the given
// read time. A record older than TypingStaleAfterMillis is treated as
// not-typing regardless of its stored value.
func (t *TypingState) Fresh(nowMillis int64) bool {
	return nowMillis-t.UpdatedAt <= TypingStaleAfterMillis
}
