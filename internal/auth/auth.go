// Package auth exposes the authentication layer's effects to the sync
// core: the current user id, a loading flag, and a force-refresh hook
// invoked before subscriptions attach so a stale credential does not
// trip permission errors.
package auth

import "context"

// Provider is the session surface the messaging core consumes.
type Provider interface {
	// UserID returns the current user id, or "" when signed out.
	UserID() string
	// Loading reports whether the session is still resolving. The
	// core defers subscription attach while loading.
	Loading() bool
	// ForceRefresh revalidates the credential against the auth
	// backend. Called before (re)attaching subscriptions.
	ForceRefresh(ctx context.Context) error
}

// Static is a fixed, already-resolved session. Used by tests and by
// request-scoped sessions whose token was validated by middleware.
type Static struct {
	ID string
}

func (s Static) UserID() string { return s.ID }

func (s Static) Loading() bool { return false }

func (s Static) ForceRefresh(ctx context.Context) error { return nil }
