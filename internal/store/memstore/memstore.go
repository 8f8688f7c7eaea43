// Package memstore is an in-process implementation of store.Store.
//
// It backs unit tests and local development. Watches are notified
// synchronously on every mutation, which keeps test ordering
// deterministic. Fault-injection setters simulate the backing store's
// error taxonomy (permission propagation, offline, write failures).
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/vivaha-labs/chat-sync/internal/model"
	"github.com/vivaha-labs/chat-sync/internal/store"
)

type msgWatch struct {
	query  store.MessageQuery
	onSnap store.SnapshotFunc
	onErr  store.ErrFunc
}

type typWatch struct {
	conversationID string
	onSnap         store.TypingSnapshotFunc
	onErr          store.ErrFunc
}

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.Mutex
	convs   map[string]*model.Conversation
	msgs    map[string][]model.Message
	typing  map[string]map[string]model.TypingState
	matches map[string]*model.MatchRecord

	msgWatches map[int]*msgWatch
	typWatches map[int]*typWatch
	nextWatch  int

	putErr     error
	getConvErr error
	watchErr   error
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		convs:      make(map[string]*model.Conversation),
		msgs:       make(map[string][]model.Message),
		typing:     make(map[string]map[string]model.TypingState),
		matches:    make(map[string]*model.MatchRecord),
		msgWatches: make(map[int]*msgWatch),
		typWatches: make(map[int]*typWatch),
	}
}

// SetPutError makes subsequent PutMessage calls fail with err.
func (s *Store) SetPutError(err error) {
	s.mu.Lock()
	s.putErr = err
	s.mu.Unlock()
}

// SetGetConversationError makes subsequent GetConversation calls fail
// with err, overriding normal lookup.
func (s *Store) SetGetConversationError(err error) {
	s.mu.Lock()
	s.getConvErr = err
	s.mu.Unlock()
}

// SetWatchError makes every newly attached watch fail with err shortly
// after attaching. Clearing it (nil) lets re-attaches succeed.
func (s *Store) SetWatchError(err error) {
	s.mu.Lock()
	s.watchErr = err
	s.mu.Unlock()
}

// EmitWatchError pushes err to every currently attached watch.
func (s *Store) EmitWatchError(err error) {
	s.mu.Lock()
	var fns []store.ErrFunc
	for _, w := range s.msgWatches {
		fns = append(fns, w.onErr)
	}
	for _, w := range s.typWatches {
		fns = append(fns, w.onErr)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// GetConversation implements store.Store.
func (s *Store) GetConversation(ctx context.Context, key string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getConvErr != nil {
		return nil, s.getConvErr
	}
	conv, ok := s.convs[key]
	if !ok {
		return nil, store.NewError(store.CodeNotFound, "conversation "+key)
	}
	cp := *conv
	cp.Participants = append([]string(nil), conv.Participants...)
	return &cp, nil
}

// MergeConversation implements store.Store with merge semantics: nil
// patch fields leave existing fields untouched.
func (s *Store) MergeConversation(ctx context.Context, key string, patch model.ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	if !ok {
		conv = &model.Conversation{ID: key}
		s.convs[key] = conv
	}
	if patch.Participants != nil {
		conv.Participants = append([]string(nil), patch.Participants...)
	}
	if patch.LastMessage != nil {
		conv.LastMessage = patch.LastMessage
	}
	if patch.UpdatedAt != nil {
		conv.UpdatedAt = *patch.UpdatedAt
	}
	return nil
}

// PutMessage implements store.Store.
func (s *Store) PutMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	if s.putErr != nil {
		err := s.putErr
		s.mu.Unlock()
		return err
	}
	cp := *msg
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], cp)
	s.mu.Unlock()
	s.notifyMessages(msg.ConversationID)
	return nil
}

// QueryMessages implements store.Store.
func (s *Store) QueryMessages(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evalLocked(q), nil
}

// UpdateMessages implements store.Store. The batch is atomic: if any
// id is missing nothing is patched.
func (s *Store) UpdateMessages(ctx context.Context, conversationID string, ids []string, patch store.MessagePatch) error {
	s.mu.Lock()
	msgs := s.msgs[conversationID]
	idx := make(map[string]int, len(ids))
	for i := range msgs {
		idx[msgs[i].ID] = i
	}
	for _, id := range ids {
		if _, ok := idx[id]; !ok {
			s.mu.Unlock()
			return store.NewError(store.CodeNotFound, "message "+id)
		}
	}
	for _, id := range ids {
		m := &msgs[idx[id]]
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
	s.mu.Unlock()
	s.notifyMessages(conversationID)
	return nil
}

// WatchMessages implements store.Store. The initial snapshot is
// delivered synchronously before this returns; an injected watch error
// is delivered on a separate goroutine, mirroring the asynchronous
// error channel of a real live query.
func (s *Store) WatchMessages(ctx context.Context, q store.MessageQuery, onSnapshot store.SnapshotFunc, onError store.ErrFunc) (store.CancelFunc, error) {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.msgWatches[id] = &msgWatch{query: q, onSnap: onSnapshot, onErr: onError}
	werr := s.watchErr
	initial := s.evalLocked(q)
	s.mu.Unlock()

	if werr != nil {
		go onError(werr)
	} else {
		onSnapshot(initial)
	}
	return func() {
		s.mu.Lock()
		delete(s.msgWatches, id)
		s.mu.Unlock()
	}, nil
}

// MergeTyping implements store.Store.
func (s *Store) MergeTyping(ctx context.Context, state model.TypingState) error {
	s.mu.Lock()
	byUser, ok := s.typing[state.ConversationID]
	if !ok {
		byUser = make(map[string]model.TypingState)
		s.typing[state.ConversationID] = byUser
	}
	byUser[state.UserID] = state
	s.mu.Unlock()
	s.notifyTyping(state.ConversationID)
	return nil
}

// WatchTyping implements store.Store.
func (s *Store) WatchTyping(ctx context.Context, conversationID string, onSnapshot store.TypingSnapshotFunc, onError store.ErrFunc) (store.CancelFunc, error) {
	s.mu.Lock()
	id := s.nextWatch
	s.nextWatch++
	s.typWatches[id] = &typWatch{conversationID: conversationID, onSnap: onSnapshot, onErr: onError}
	werr := s.watchErr
	initial := s.typingLocked(conversationID)
	s.mu.Unlock()

	if werr != nil {
		go onError(werr)
	} else {
		onSnapshot(initial)
	}
	return func() {
		s.mu.Lock()
		delete(s.typWatches, id)
		s.mu.Unlock()
	}, nil
}

// FindMatch implements store.Store. Lookup is directional; callers try
// both id orders.
func (s *Store) FindMatch(ctx context.Context, userA, userB string) (*model.MatchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.matches[userA+"|"+userB]
	if !ok {
		return nil, store.NewError(store.CodeNotFound, "match "+userA+"/"+userB)
	}
	cp := *rec
	return &cp, nil
}

// MergeMatch implements store.Store.
func (s *Store) MergeMatch(ctx context.Context, id string, patch model.MatchPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.matches {
		if rec.ID != id {
			continue
		}
		if patch.LastMessage != nil {
			rec.LastMessage = patch.LastMessage
		}
		if patch.UpdatedAt != nil {
			rec.UpdatedAt = *patch.UpdatedAt
		}
		return nil
	}
	return store.NewError(store.CodeNotFound, "match "+id)
}

// SeedMatch inserts a directional match record, for tests and local
// bootstrap.
func (s *Store) SeedMatch(rec *model.MatchRecord) {
	s.mu.Lock()
	cp := *rec
	s.matches[rec.UserA+"|"+rec.UserB] = &cp
	s.mu.Unlock()
}

func (s *Store) evalLocked(q store.MessageQuery) []model.Message {
	return q.Apply(s.msgs[q.ConversationID])
}

func (s *Store) typingLocked(conversationID string) []model.TypingState {
	var out []model.TypingState
	for _, st := range s.typing[conversationID] {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) notifyMessages(conversationID string) {
	s.mu.Lock()
	type delivery struct {
		fn   store.SnapshotFunc
		snap []model.Message
	}
	var ds []delivery
	for _, w := range s.msgWatches {
		if w.query.ConversationID != conversationID {
			continue
		}
		ds = append(ds, delivery{w.onSnap, s.evalLocked(w.query)})
	}
	s.mu.Unlock()
	for _, d := range ds {
		d.fn(d.snap)
	}
}

func (s *Store) notifyTyping(conversationID string) {
	s.mu.Lock()
	type delivery struct {
		fn   store.TypingSnapshotFunc
		snap []model.TypingState
	}
	var ds []delivery
	for _, w := range s.typWatches {
		if w.conversationID != conversationID {
			continue
		}
		ds = append(ds, delivery{w.onSnap, s.typingLocked(conversationID)})
	}
	s.mu.Unlock()
	for _, d := range ds {
		d.fn(d.snap)
	}
}
