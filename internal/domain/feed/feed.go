// Package feed holds the bounded recent-matches list shown to operators.
package feed

import (
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/metrics"
)

const defaultCapacity = 6

// Recent keeps the newest matches first and drops the oldest beyond
// capacity. Cached hits are pushed too, so an identity may appear more
// than once.
type Recent struct {
	items *history[model.RecentMatch]
}

// NewRecent creates a feed holding at most capacity entries.
func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Recent{items: newHistory[model.RecentMatch](capacity)}
}

// Push adds m as the newest entry.
func (r *Recent) Push(m model.RecentMatch) {
	metrics.UpdateRecentFeedSize(r.items.add(m))
}

// Snapshot returns a copy, newest first.
func (r *Recent) Snapshot() []model.RecentMatch { return r.items.snapshot() }

// Clear empties the feed.
func (r *Recent) Clear() {
	r.items.clear()
	metrics.UpdateRecentFeedSize(0)
}

// Len returns the number of entries.
func (r *Recent) Len() int { return r.items.len() }
