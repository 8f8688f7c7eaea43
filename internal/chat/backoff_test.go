package chat

import (
	"errors"
	"testing"
	"time"

	"github.com/vivaha-labs/chat-sync/internal/store"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	p := backoffPolicy{Base: 100 * time.Millisecond, JitterMax: 0, MaxRetries: 5}

	want := []time.Duration{
		100 * time.Millisecond, // attempt 1
		200 * time.Millisecond, // attempt 2
		400 * time.Millisecond, // attempt 3
		800 * time.Millisecond, // attempt 4
		800 * time.Millisecond, // attempt 5, capped at 8x base
		800 * time.Millisecond, // past the cap stays flat
	}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := p.Delay(0); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v, want base", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := backoffPolicy{Base: 100 * time.Millisecond, JitterMax: 50 * time.Millisecond, MaxRetries: 5}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 100*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("Delay(1) = %v, want within [100ms, 150ms)", d)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	p := backoffPolicy{Base: time.Millisecond, MaxRetries: 5}
	if p.Exhausted(4) {
		t.Error("budget exhausted after 4 of 5 retries")
	}
	if !p.Exhausted(5) {
		t.Error("budget not exhausted after 5 retries")
	}
}

func TestDefaultPolicyRetryable(t *testing.T) {
	p := defaultPolicy()
	if !p.Retryable(store.NewError(store.CodePermissionDenied, "denied")) {
		t.Error("permission-denied not retryable")
	}
	if !p.Retryable(store.NewError(store.CodeUnavailable, "offline")) {
		t.Error("unavailable not retryable")
	}
	if p.Retryable(store.NewError(store.CodeFailedPrecondition, "missing index")) {
		t.Error("failed-precondition should not be retryable")
	}
	if p.Retryable(errors.New("plain")) {
		t.Error("unknown error should not be retryable")
	}
}
