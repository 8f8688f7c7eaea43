package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the session token claims issued by the platform.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scope,omitempty"`
}

// TokenSource supplies the current raw token, typically re-reading it
// from the session cookie or the auth backend.
type TokenSource func(ctx context.Context) (string, error)

// JWTSession is a Provider backed by a platform session token. The
// user id is the token subject. ForceRefresh re-pulls the token from
// its source and re-verifies it, absorbing the propagation window
// right after sign-in where the cached token may be stale.
type JWTSession struct {
	secret []byte
	source TokenSource

	mu      sync.RWMutex
	userID  string
	loading bool
}

// NewJWTSession creates a session provider. The session starts in the
// loading state until the first ForceRefresh resolves.
func NewJWTSession(secret string, source TokenSource) *JWTSession {
	return &JWTSession{
		secret:  []byte(secret),
		source:  source,
		loading: true,
	}
}

// UserID implements Provider.
func (s *JWTSession) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Loading implements Provider.
func (s *JWTSession) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// ForceRefresh implements Provider.
func (s *JWTSession) ForceRefresh(ctx context.Context) error {
	raw, err := s.source(ctx)
	if err != nil {
		return fmt.Errorf("fetch session token: %w", err)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		s.mu.Lock()
		s.userID = ""
		s.loading = false
		s.mu.Unlock()
		return fmt.Errorf("invalid session token: %w", err)
	}

	s.mu.Lock()
	s.userID = claims.Subject
	s.loading = false
	s.mu.Unlock()
	return nil
}
