// Package repository defines the presence event store and roster source
// contracts and an in-memory implementation.
package repository

import (
	"context"

	"github.com/okian/presence/internal/domain/model"
)

// DefaultListLimit caps history reads without an explicit limit.
const DefaultListLimit = 1000

// Filter narrows a history read. Empty fields match everything.
type Filter struct {
	TenantID   string
	IdentityID string
	Limit      int
}

// EventStore is the authoritative presence event log.
type EventStore interface {
	// Insert persists a new event stamped with the store's clock.
	Insert(ctx context.Context, tenantID, identityID string, distance float64) (model.PresenceEvent, error)

	// LastEventFor returns the newest event for identity, or nil when none.
	LastEventFor(ctx context.Context, identityID string) (*model.PresenceEvent, error)

	// List returns events newest first.
	List(ctx context.Context, f Filter) ([]model.PresenceEvent, error)
}

// RosterSource supplies the identities of a tenant.
type RosterSource interface {
	Roster(ctx context.Context, tenantID string) ([]model.Identity, error)
}

// RosterWriter seeds identities. Used by tooling only.
type RosterWriter interface {
	// SaveIdentity creates or replaces an identity and its embeddings.
	SaveIdentity(ctx context.Context, tenantID string, id model.Identity) error
}

// Store is everything a backend provides.
type Store interface {
	EventStore
	RosterSource
	RosterWriter
	Close() error
}

// EffectiveLimit resolves f.Limit against DefaultListLimit.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}
