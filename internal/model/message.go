package model

import "strings"

// Kind represents the content type of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindImage Kind = "image"
)

// TempIDPrefix marks locally generated message ids that are pending
// confirmation from the backing store.
const TempIDPrefix = "tmp-"

// DeletedText replaces the body of a soft-deleted message.
const DeletedText = "[Message deleted]"

// Message represents a single chat message. CreatedAt is epoch
// milliseconds; it is sortable but not globally unique, so ties are
// broken by arrival order within a page.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	FromUserID     string `json:"from_user_id"`
	ToUserID       string `json:"to_user_id"`

	// Content
	Text      string `json:"text"`
	Kind      Kind   `json:"kind"`
	CreatedAt int64  `json:"created_at"`

	// Voice metadata (voice messages only)
	AudioStorageID string `json:"audio_storage_id,omitempty"`
	Duration       int    `json:"duration,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	MimeType       string `json:"mime_type,omitempty"`

	// Read receipts
	IsRead bool   `json:"is_read,omitempty"`
	ReadAt *int64 `json:"read_at,omitempty"`

	// Moderation / edits
	Deleted  bool   `json:"deleted,omitempty"`
	Edited   bool   `json:"edited,omitempty"`
	EditedAt *int64 `json:"edited_at,omitempty"`

	// Reply threading
	ReplyToMessageID  string `json:"reply_to_message_id,omitempty"`
	ReplyToText       string `json:"reply_to_text,omitempty"`
	ReplyToKind       Kind   `json:"reply_to_kind,omitempty"`
	ReplyToFromUserID string `json:"reply_to_from_user_id,omitempty"`
}

// IsOptimistic reports whether the message carries a locally generated
// temporary id and has not yet been confirmed by the store.
func (m *Message) IsOptimistic() bool {
	return IsOptimisticID(m.ID)
}

// IsOptimisticID reports whether id is a locally generated temporary id.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Summary returns the compact form embedded in conversation and match
// records for last-message previews.
func (m *Message) Summary() *MessageSummary {
	text := m.Text
	if m.Kind == KindVoice && text == "" {
		text = "[Voice message]"
	}
	return &MessageSummary{
		Text:       text,
		Kind:       m.Kind,
		FromUserID: m.FromUserID,
		CreatedAt:  m.CreatedAt,
	}
}

// MessageSummary is the last-message preview stored on conversation and
// match records.
type MessageSummary struct {
	Text       string `json:"text"`
	Kind       Kind   `json:"kind"`
	FromUserID string `json:"from_user_id"`
	CreatedAt  int64  `json:"created_at"`
}
