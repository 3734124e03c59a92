package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/metrics"
)

// MemoryStore keeps events and rosters in process memory. Events do not
// survive a restart, so the cooldown only holds within one run.
type MemoryStore struct {
	now func() time.Time

	mu         sync.RWMutex
	closed     bool
	events     []model.PresenceEvent
	byIdentity map[string]int // identity -> index of newest event
	roster     map[string][]model.Identity
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		now:        time.Now,
		byIdentity: make(map[string]int),
		roster:     make(map[string][]model.Identity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Insert implements EventStore.
func (s *MemoryStore) Insert(ctx context.Context, tenantID, identityID string, distance float64) (model.PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return model.PresenceEvent{}, err
	}
	if strings.TrimSpace(identityID) == "" {
		return model.PresenceEvent{}, ErrInvalidIdentity
	}
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.PresenceEvent{}, ErrClosed
	}
	ev := model.PresenceEvent{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TenantID:   tenantID,
		Timestamp:  s.now(),
		Distance:   distance,
	}
	s.events = append(s.events, ev)
	idx := len(s.events) - 1
	if prev, ok := s.byIdentity[identityID]; !ok || !s.events[prev].Timestamp.After(ev.Timestamp) {
		s.byIdentity[identityID] = idx
	}
	metrics.RecordStoreLatency("insert", float64(time.Since(start).Microseconds())/1000)
	return ev, nil
}

// LastEventFor implements EventStore.
func (s *MemoryStore) LastEventFor(ctx context.Context, identityID string) (*model.PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	idx, ok := s.byIdentity[identityID]
	if !ok {
		return nil, nil
	}
	ev := s.events[idx]
	return &ev, nil
}

// List implements EventStore.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]model.PresenceEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.PresenceEvent, 0, len(s.events))
	for _, ev := range s.events {
		if f.TenantID != "" && ev.TenantID != f.TenantID {
			continue
		}
		if f.IdentityID != "" && ev.IdentityID != f.IdentityID {
			continue
		}
		out = append(out, ev)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Roster implements RosterSource.
func (s *MemoryStore) Roster(ctx context.Context, tenantID string) ([]model.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.roster[tenantID]
	out := make([]model.Identity, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneIdentity(id))
	}
	return out, nil
}

// SaveIdentity implements RosterWriter.
func (s *MemoryStore) SaveIdentity(ctx context.Context, tenantID string, id model.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(id.ID) == "" {
		return ErrInvalidIdentity
	}
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: identity %s", ErrInvalidTenant, id.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.roster[tenantID]
	for i := range ids {
		if ids[i].ID == id.ID {
			ids[i] = cloneIdentity(id)
			return nil
		}
	}
	s.roster[tenantID] = append(ids, cloneIdentity(id))
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func cloneIdentity(id model.Identity) model.Identity {
	out := model.Identity{ID: id.ID, DisplayName: id.DisplayName}
	for _, e := range id.Embeddings {
		out.Embeddings = append(out.Embeddings, append([]float32(nil), e...))
	}
	return out
}
