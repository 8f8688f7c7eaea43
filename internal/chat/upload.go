package chat

import "context"

// VoiceUploadRequest carries a recorded voice blob to the upload
// utility.
type VoiceUploadRequest struct {
	ConversationID string
	ToUserID       string
	Blob           []byte
	Duration       int // seconds
	MimeType       string
}

// VoiceUploadResult is returned once the audio is stored and the voice
// message record is written.
type VoiceUploadResult struct {
	MessageID      string
	AudioStorageID string
	FileSize       int64
}

// VoiceUploader is the out-of-band upload utility for voice messages.
// The core only consumes its interface; audio compression and storage
// live elsewhere.
type VoiceUploader interface {
	UploadVoiceMessage(ctx context.Context, req VoiceUploadRequest) (*VoiceUploadResult, error)
}
