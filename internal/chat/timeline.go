package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/vivaha-labs/chat-sync/internal/model"
)

// fingerprintToleranceMillis bounds the createdAt distance within which
// an optimistic message and a store-confirmed one are treated as the
// same logical message. The authoritative id is unknown at send time,
// so correlation is content+time, not id equality.
const fingerprintToleranceMillis = 5000

// reconcile folds the four message sources into one ascending,
// de-duplicated timeline:
//
//  1. drop optimistic entries confirmed by a live-window fingerprint
//     match (same sender, same text, createdAt within tolerance),
//  2. concatenate older + window + voice + surviving optimistic,
//  3. stable-sort by createdAt ascending,
//  4. de-duplicate by id, first occurrence wins.
//
// Pure function; inputs are not mutated.
func reconcile(older, window, voice, optimistic []model.Message) []model.Message {
	pending := optimistic[:0:0]
	for _, opt := range optimistic {
		if !confirmedBy(opt, window) {
			pending = append(pending, opt)
		}
	}

	merged := make([]model.Message, 0, len(older)+len(window)+len(voice)+len(pending))
	merged = append(merged, older...)
	merged = append(merged, window...)
	merged = append(merged, voice...)
	merged = append(merged, pending...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt < merged[j].CreatedAt
	})

	seen := make(map[string]struct{}, len(merged))
	out := merged[:0]
	for _, m := range merged {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// confirmedBy reports whether an optimistic entry has an authoritative
// counterpart in the live window.
func confirmedBy(opt model.Message, window []model.Message) bool {
	for _, w := range window {
		if w.FromUserID != opt.FromUserID || w.Text != opt.Text {
			continue
		}
		delta := w.CreatedAt - opt.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta < fingerprintToleranceMillis {
			return true
		}
	}
	return false
}

// DayGroup is a contiguous run of messages sharing a calendar day,
// used for date separators in the message list.
type DayGroup struct {
	Date     string // 2006-01-02, local time
	Messages []model.Message
}

// GroupByDay splits an ascending timeline into per-day groups.
func GroupByDay(msgs []model.Message) []DayGroup {
	var groups []DayGroup
	for _, m := range msgs {
		day := time.UnixMilli(m.CreatedAt).Format("2006-01-02")
		if n := len(groups); n > 0 && groups[n-1].Date == day {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Date: day, Messages: []model.Message{m}})
	}
	return groups
}

// SearchMessages returns the timeline indices whose text contains the
// query, case-insensitive. Deleted messages never match.
func SearchMessages(msgs []model.Message, query string) []int {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var hits []int
	for i, m := range msgs {
		if m.Deleted {
			continue
		}
		if strings.Contains(strings.ToLower(m.Text), query) {
			hits = append(hits, i)
		}
	}
	return hits
}

// VisibleRange clamps a virtualized-list window [first, first+count)
// to the timeline bounds and returns the half-open slice range.
func VisibleRange(total, first, count int) (start, end int) {
	if total <= 0 || count <= 0 {
		return 0, 0
	}
	if first < 0 {
		first = 0
	}
	if first > total {
		first = total
	}
	end = first + count
	if end > total {
		end = total
	}
	return first, end
}
