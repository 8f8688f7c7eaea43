package chat

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vivaha-labs/chat-sync/internal/auth"
	"github.com/vivaha-labs/chat-sync/internal/store"
	"github.com/vivaha-labs/chat-sync/pkg/logger"
)

// Manager owns one Facade per (user, conversation) pair so the HTTP
// layer can serve many open conversations. Opening a different
// conversation for the same user closes the previous facade first,
// which is what tears down its watches, timers, ensurer flag and
// optimistic buffer.
type Manager struct {
	st   store.Store
	log  *logger.Logger
	opts Options

	mu   sync.RWMutex
	open map[string]*Facade // userID -> active facade
}

// NewManager creates a facade registry.
func NewManager(st store.Store, log *logger.Logger, opts Options) *Manager {
	return &Manager{
		st:   st,
		log:  log,
		opts: opts,
		open: make(map[string]*Facade),
	}
}

// Open returns the user's facade for rawKey, starting one if needed.
// A user has at most one active conversation; switching keys closes
// and replaces the previous facade.
func (m *Manager) Open(ctx context.Context, session auth.Provider, rawKey string) *Facade {
	userID := session.UserID()
	key := NormalizeKey(rawKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.open[userID]; ok {
		if f.Key() == key {
			return f
		}
		m.log.Info("switching active conversation",
			zap.String("user_id", userID),
			zap.String("from", f.Key()), zap.String("to", key))
		f.Close()
	}

	f := New(ctx, m.st, session, m.log, key, m.opts)
	m.open[userID] = f
	return f
}

// Get returns the user's active facade when it matches rawKey.
func (m *Manager) Get(userID, rawKey string) (*Facade, bool) {
	key := NormalizeKey(rawKey)
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.open[userID]
	if !ok || f.Key() != key {
		return nil, false
	}
	return f, true
}

// CloseUser tears down the user's active facade, if any.
func (m *Manager) CloseUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.open[userID]; ok {
		f.Close()
		delete(m.open, userID)
	}
}

// CloseAll tears down every facade; called on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, f := range m.open {
		f.Close()
		delete(m.open, userID)
	}
}
