// Package chat implements the real-time messaging synchronization
// core: conversation bootstrap, live subscriptions with retry/backoff,
// optimistic sends, and timeline reconciliation.
package chat

import (
	"sort"
	"strings"
)

// KeySeparator joins the two participant ids of a conversation key.
const KeySeparator = "_"

// KeyFor derives the canonical conversation key for two participants.
// The key is order-independent: KeyFor(a, b) == KeyFor(b, a).
func KeyFor(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, KeySeparator)
}

// NormalizeKey canonicalizes a raw conversation identifier. If the raw
// value decomposes into exactly two joined segments they are re-sorted
// and re-joined; anything else is treated as opaque and passed through
// unchanged.
func NormalizeKey(raw string) string {
	parts := strings.Split(raw, KeySeparator)
	if len(parts) != 2 {
		return raw
	}
	return KeyFor(parts[0], parts[1])
}

// SplitKey decomposes a canonical key into its two participant ids.
// ok is false when the key does not decompose.
func SplitKey(key string) (a, b string, ok bool) {
	parts := strings.Split(key, KeySeparator)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// PeerOf returns the other participant of key relative to self, and
// whether self is a member of the key at all.
func PeerOf(key, self string) (string, bool) {
	a, b, ok := SplitKey(key)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}
