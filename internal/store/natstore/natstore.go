package natstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

const (
	// Bucket names.
	BucketConversations = "chat-conversations"
	BucketMessages      = "chat-messages"
	BucketTyping        = "chat-typing"
	BucketMatches       = "chat-matches"
	BucketVoice         = "chat-voice"
)

// Store implements store.Store on JetStream KV buckets.
type Store struct {
	client *Client
	log    *logger.Logger

	convs   jetstream.KeyValue
	msgs    jetstream.KeyValue
	typing  jetstream.KeyValue
	matches jetstream.KeyValue
}

// New binds the store to its buckets, creating any that are missing.
func New(ctx context.Context, client *Client, log *logger.Logger) (*Store, error) {
	s := &Store{client: client, log: log.Named("natstore")}

	var err error
	if s.convs, err = ensureBucket(ctx, client.JetStream(), BucketConversations); err != nil {
		return nil, err
	}
	if s.msgs, err = ensureBucket(ctx, client.JetStream(), BucketMessages); err != nil {
		return nil, err
	}
	if s.typing, err = ensureBucket(ctx, client.JetStream(), BucketTyping); err != nil {
		return nil, err
	}
	if s.matches, err = ensureBucket(ctx, client.JetStream(), BucketMatches); err != nil {
		return nil, err
	}
	return s, nil
}

func ensureBucket(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// mapErr translates transport errors into the store taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrBucketNotFound):
		return store.NewError(store.CodeNotFound, err.Error())
	case errors.Is(err, nats.ErrAuthorization),
		strings.Contains(strings.ToLower(err.Error()), "permissions violation"):
		return store.NewError(store.CodePermissionDenied, err.Error())
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return store.NewError(store.CodeUnavailable, err.Error())
	default:
		return store.NewError(store.CodeUnknown, err.Error())
	}
}

// GetConversation implements store.Store.
func (s *Store) GetConversation(ctx context.Context, key string) (*model.Conversation, error) {
	entry, err := s.convs.Get(ctx, key)
	if err != nil {
		return nil, mapErr(err)
	}
	var conv model.Conversation
	if err := json.Unmarshal(entry.Value(), &conv); err != nil {
		return nil, store.NewError(store.CodeUnknown, "corrupt conversation record: "+err.Error())
	}
	return &conv, nil
}

// MergeConversation implements store.Store. KV has no partial update,
// so merge is read-modify-write; concurrent writers of different
// fields converge because unset patch fields are never written.
func (s *Store) MergeConversation(ctx context.Context, key string, patch model.ConversationPatch) error {
	conv := model.Conversation{ID: key}
	if entry, err := s.convs.Get(ctx, key); err == nil {
		if uerr := json.Unmarshal(entry.Value(), &conv); uerr != nil {
			s.log.Warn("replacing corrupt conversation record", zap.String("key", key))
			conv = model.Conversation{ID: key}
		}
	} else if !errors.Is(err, jetstream.ErrKeyNotFound) {
		return mapErr(err)
	}

	if patch.Participants != nil {
		conv.Participants = patch.Participants
	}
	if patch.LastMessage != nil {
		conv.LastMessage = patch.LastMessage
	}
	if patch.UpdatedAt != nil {
		conv.UpdatedAt = *patch.UpdatedAt
	}

	data, err := json.Marshal(&conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.convs.Put(ctx, key, data); err != nil {
		return mapErr(err)
	}
	return nil
}

func messageKey(conversationID, messageID string) string {
	return conversationID + "." + messageID
}

// PutMessage implements store.Store.
func (s *Store) PutMessage(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := s.msgs.Put(ctx, messageKey(msg.ConversationID, msg.ID), data); err != nil {
		return mapErr(err)
	}
	return nil
}

// QueryMessages implements store.Store. KV offers no server-side
// ordering, so the conversation's records are loaded and the query is
// evaluated locally.
func (s *Store) QueryMessages(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	msgs, err := s.loadConversation(ctx, q.ConversationID)
	if err != nil {
		return nil, err
	}
	return q.Apply(msgs), nil
}

func (s *Store) loadConversation(ctx context.Context, conversationID string) ([]model.Message, error) {
	lister, err := s.msgs.ListKeys(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	defer lister.Stop()

	prefix := conversationID + "."
	var msgs []model.Message
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.msgs.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, mapErr(err)
		}
		var m model.Message
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			s.log.Warn("skipping corrupt message record", zap.String("key", key))
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// UpdateMessages implements store.Store. All records are verified
// before any is written, then patched in sequence; KV offers no
// multi-key transaction, so a crash mid-batch can leave a partial
// patch.
func (s *Store) UpdateMessages(ctx context.Context, conversationID string, ids []string, patch store.MessagePatch) error {
	type pending struct {
		key string
		msg model.Message
	}
	batch := make([]pending, 0, len(ids))
	for _, id := range ids {
		key := messageKey(conversationID, id)
		entry, err := s.msgs.Get(ctx, key)
		if err != nil {
			return mapErr(err)
		}
		var m model.Message
		if err := json.Unmarshal(entry.Value(), &m); err != nil {
			return store.NewError(store.CodeUnknown, "corrupt message record: "+err.Error())
		}
		applyPatch(&m, patch)
		batch = append(batch, pending{key: key, msg: m})
	}
	for _, p := range batch {
		data, err := json.Marshal(&p.msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := s.msgs.Put(ctx, p.key, data); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func applyPatch(m *model.Message, patch store.MessagePatch) {
	if patch.Text != nil {
		m.Text = *patch.Text
	}
	if patch.Deleted != nil {
		m.Deleted = *patch.Deleted
	}
	if patch.ReadAt != nil {
		m.ReadAt = patch.ReadAt
		m.IsRead = true
	}
	if patch.IsRead != nil {
		m.IsRead = *patch.IsRead
	}
}

// WatchMessages implements store.Store. The watcher replays current
// records, then streams updates; each delivery re-evaluates the query
// over the accumulated set and pushes a full snapshot.
func (s *Store) WatchMessages(ctx context.Context, q store.MessageQuery, onSnapshot store.SnapshotFunc, onError store.ErrFunc) (store.CancelFunc, error) {
	watcher, err := s.msgs.Watch(ctx, q.ConversationID+".*")
	if err != nil {
		return nil, mapErr(err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer watcher.Stop()
		byID := make(map[string]model.Message)
		var order []string
		replayDone := false
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					onError(store.NewError(store.CodeUnavailable, "message watch closed"))
					return
				}
				if entry == nil {
					// End of initial replay.
					replayDone = true
					onSnapshot(snapshotFrom(byID, order, q))
					continue
				}
				if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
					continue
				}
				var m model.Message
				if err := json.Unmarshal(entry.Value(), &m); err != nil {
					s.log.Warn("skipping corrupt message record", zap.String("key", entry.Key()))
					continue
				}
				if _, seen := byID[m.ID]; !seen {
					order = append(order, m.ID)
				}
				byID[m.ID] = m
				if replayDone {
					onSnapshot(snapshotFrom(byID, order, q))
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func snapshotFrom(byID map[string]model.Message, order []string, q store.MessageQuery) []model.Message {
	msgs := make([]model.Message, 0, len(order))
	for _, id := range order {
		msgs = append(msgs, byID[id])
	}
	return q.Apply(msgs)
}

func typingKey(conversationID, userID string) string {
	return conversationID + "." + userID
}

// MergeTyping implements store.Store.
func (s *Store) MergeTyping(ctx context.Context, state model.TypingState) error {
	data, err := json.Marshal(&state)
	if err != nil {
		return fmt.Errorf("failed to marshal typing state: %w", err)
	}
	if _, err := s.typing.Put(ctx, typingKey(state.ConversationID, state.UserID), data); err != nil {
		return mapErr(err)
	}
	return nil
}

// WatchTyping implements store.Store.
func (s *Store) WatchTyping(ctx context.Context, conversationID string, onSnapshot store.TypingSnapshotFunc, onError store.ErrFunc) (store.CancelFunc, error) {
	watcher, err := s.typing.Watch(ctx, conversationID+".*")
	if err != nil {
		return nil, mapErr(err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer watcher.Stop()
		byUser := make(map[string]model.TypingState)
		replayDone := false
		emit := func() {
			states := make([]model.TypingState, 0, len(byUser))
			for _, st := range byUser {
				states = append(states, st)
			}
			onSnapshot(states)
		}
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					onError(store.NewError(store.CodeUnavailable, "typing watch closed"))
					return
				}
				if entry == nil {
					replayDone = true
					emit()
					continue
				}
				if entry.Operation() == jetstream.KeyValueDelete || entry.Operation() == jetstream.KeyValuePurge {
					continue
				}
				var st model.TypingState
				if err := json.Unmarshal(entry.Value(), &st); err != nil {
					continue
				}
				byUser[st.UserID] = st
				if replayDone {
					emit()
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func matchKey(userA, userB string) string {
	return userA + "." + userB
}

// FindMatch implements store.Store. Lookup is directional; callers try
// both id orders.
func (s *Store) FindMatch(ctx context.Context, userA, userB string) (*model.MatchRecord, error) {
	entry, err := s.matches.Get(ctx, matchKey(userA, userB))
	if err != nil {
		return nil, mapErr(err)
	}
	var rec model.MatchRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, store.NewError(store.CodeUnknown, "corrupt match record: "+err.Error())
	}
	return &rec, nil
}

// MergeMatch implements store.Store.
func (s *Store) MergeMatch(ctx context.Context, id string, patch model.MatchPatch) error {
	lister, err := s.matches.ListKeys(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer lister.Stop()

	for key := range lister.Keys() {
		entry, err := s.matches.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec model.MatchRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if rec.ID != id {
			continue
		}
		if patch.LastMessage != nil {
			rec.LastMessage = patch.LastMessage
		}
		if patch.UpdatedAt != nil {
			rec.UpdatedAt = *patch.UpdatedAt
		}
		data, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal match record: %w", err)
		}
		if _, err := s.matches.Put(ctx, key, data); err != nil {
			return mapErr(err)
		}
		return nil
	}
	return store.NewError(store.CodeNotFound, "match "+id)
}
