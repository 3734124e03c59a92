package repository

import (
	"time"

	"github.com/okian/presence/internal/domain/model"
)

// Option applies a configuration option to the MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the clock used to stamp inserted events.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIdentities seeds the roster of tenant.
func WithIdentities(tenant string, ids ...model.Identity) Option {
	return func(s *MemoryStore) {
		for _, id := range ids {
			s.roster[tenant] = append(s.roster[tenant], cloneIdentity(id))
		}
	}
}
