package natstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vivaha-labs/chat-sync/internal/chat"
	"github.com/vivaha-labs/chat-sync/internal/model"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// VoiceUploader stores voice audio in an ObjectStore bucket and writes
// the voice message record. Implements chat.VoiceUploader.
type VoiceUploader struct {
	objects jetstream.ObjectStore
	store   *Store
}

// NewVoiceUploader opens (or creates) the voice bucket.
func NewVoiceUploader(ctx context.Context, client *Client, st *Store) (*VoiceUploader, error) {
	js := client.JetStream()
	obs, err := js.ObjectStore(ctx, BucketVoice)
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to open voice bucket: %w", err)
		}
		obs, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:  BucketVoice,
			Storage: jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create voice bucket: %w", err)
		}
	}
	return &VoiceUploader{objects: obs, store: st}, nil
}

// UploadVoiceMessage implements chat.VoiceUploader: the blob goes to
// object storage, then the message record is written so the voice
// subscription delivers it to both participants.
func (u *VoiceUploader) UploadVoiceMessage(ctx context.Context, req chat.VoiceUploadRequest) (*chat.VoiceUploadResult, error) {
	audioID := uuid.Must(uuid.NewV7()).String()
	if _, err := u.objects.PutBytes(ctx, audioID, req.Blob); err != nil {
		return nil, fmt.Errorf("failed to store voice audio: %w", mapErr(err))
	}

	// The sender is the recipient's peer in the conversation key.
	sender, ok := chat.PeerOf(req.ConversationID, req.ToUserID)
	if !ok {
		return nil, fmt.Errorf("recipient %s is not part of conversation %s", req.ToUserID, req.ConversationID)
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: req.ConversationID,
		FromUserID:     sender,
		ToUserID:       req.ToUserID,
		Kind:           model.KindVoice,
		CreatedAt:      nowMillis(),
		AudioStorageID: audioID,
		Duration:       req.Duration,
		FileSize:       int64(len(req.Blob)),
		MimeType:       req.MimeType,
	}
	if err := u.store.PutMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to write voice message: %w", err)
	}

	return &chat.VoiceUploadResult{
		MessageID:      msg.ID,
		AudioStorageID: audioID,
		FileSize:       msg.FileSize,
	}, nil
}
