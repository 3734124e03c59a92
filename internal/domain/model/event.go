// Package model contains domain models passed between layers.
package model

import "time"

// Unknown is the label of a face that matched no identity within threshold.
const Unknown = "unknown"

// PresenceEvent is one persisted "identity X was present at time T" record.
// Events are immutable once written.
type PresenceEvent struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	TenantID   string    `json:"tenant_id"`
	Timestamp  time.Time `json:"timestamp"`
	Distance   float64   `json:"distance"`
}

// RecentMatch is one entry of the recent-matches feed.
type RecentMatch struct {
	IdentityID  string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	Distance    float64   `json:"distance"`
	At          time.Time `json:"at"`
}

// Batch is the per-pass detection output handed to overlay consumers.
type Batch struct {
	At      time.Time     `json:"at"`
	Width   int           `json:"width"`
	Height  int           `json:"height"`
	Relaxed bool          `json:"relaxed"`
	Results []MatchResult `json:"results"`
}
