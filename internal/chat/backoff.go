package chat

import (
	"math/rand"
	"time"

	"github.com/vivaha-labs/chat-sync/internal/store"
)

// Default backoff parameters shared by all live subscriptions.
const (
	defaultBackoffBase   = 1500 * time.Millisecond
	defaultBackoffJitter = 500 * time.Millisecond
	defaultMaxRetries    = 5
)

// backoffPolicy is the parameterized retry policy shared by the
// message, voice and typing subscriptions. Delay grows exponentially
// from Base, capped at 8x, plus random jitter up to JitterMax.
type backoffPolicy struct {
	Base       time.Duration
	JitterMax  time.Duration
	MaxRetries int
	// Retryable decides whether an error is worth another attempt.
	Retryable func(err error) bool
}

// defaultPolicy returns the policy used by the voice and typing
// subscriptions: retry only permission-denied and unavailable.
func defaultPolicy() backoffPolicy {
	return backoffPolicy{
		Base:       defaultBackoffBase,
		JitterMax:  defaultBackoffJitter,
		MaxRetries: defaultMaxRetries,
		Retryable: func(err error) bool {
			code := store.CodeOf(err)
			return code == store.CodePermissionDenied || code == store.CodeUnavailable
		},
	}
}

// Delay returns the backoff delay before retry attempt n (1-based).
func (p backoffPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	exp := n - 1
	if exp > 3 {
		exp = 3
	}
	d := p.Base * time.Duration(1<<exp)
	if p.JitterMax > 0 {
		d += time.Duration(rand.Int63n(int64(p.JitterMax)))
	}
	return d
}

// Exhausted reports whether n retries have used up the budget.
func (p backoffPolicy) Exhausted(n int) bool {
	return n >= p.MaxRetries
}
