package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/adapters/repository/sqlite"
	"github.com/okian/presence/internal/domain/model"
	"github.com/okian/presence/pkg/logger"
)

func init() {
	_ = logger.Init()
}

func openStore(t *testing.T, path string, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreEvents(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	clock := func() time.Time { now = now.Add(time.Second); return now }
	s := openStore(t, filepath.Join(t.TempDir(), "presence.db"), sqlite.WithClock(clock))

	last, err := s.LastEventFor(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, last)

	first, err := s.Insert(ctx, "t1", "e1", 0.41)
	require.NoError(t, err)
	second, err := s.Insert(ctx, "t1", "e1", 0.32)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "t2", "e2", 0.2)
	require.NoError(t, err)

	last, err = s.LastEventFor(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, second.ID, last.ID)
	assert.True(t, last.Timestamp.Equal(second.Timestamp))
	assert.InDelta(t, 0.32, last.Distance, 1e-9)
	assert.True(t, last.Timestamp.After(first.Timestamp))

	all, err := s.List(ctx, repository.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e2", all[0].IdentityID)

	scoped, err := s.List(ctx, repository.Filter{TenantID: "t1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, second.ID, scoped[0].ID)

	_, err = s.Insert(ctx, "t1", "", 0.1)
	assert.ErrorIs(t, err, repository.ErrInvalidIdentity)
}

func TestStoreRoster(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "presence.db"))

	require.NoError(t, s.SaveIdentity(ctx, "t1", model.Identity{
		ID:          "e1",
		DisplayName: "Ada",
		Embeddings:  [][]float32{{0.25, -1.5, 3}, {1, 2, 3}},
	}))
	require.NoError(t, s.SaveIdentity(ctx, "t1", model.Identity{ID: "e2", DisplayName: "No Face"}))
	require.NoError(t, s.SaveIdentity(ctx, "t2", model.Identity{ID: "e3", Embeddings: [][]float32{{9}}}))

	ids, err := s.Roster(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "e1", ids[0].ID)
	assert.Equal(t, [][]float32{{0.25, -1.5, 3}, {1, 2, 3}}, ids[0].Embeddings)
	assert.Equal(t, "e2", ids[1].ID)
	assert.Empty(t, ids[1].Embeddings)

	require.NoError(t, s.SaveIdentity(ctx, "t1", model.Identity{ID: "e1", DisplayName: "Ada L.", Embeddings: [][]float32{{7}}}))
	ids, err = s.Roster(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", ids[0].DisplayName)
	assert.Equal(t, [][]float32{{7}}, ids[0].Embeddings)

	assert.ErrorIs(t, s.SaveIdentity(ctx, "t1", model.Identity{}), repository.ErrInvalidIdentity)
}

func TestStoreLockAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "presence.db")

	s, err := sqlite.Open(ctx, path)
	require.NoError(t, err)

	_, err = sqlite.Open(ctx, path)
	assert.ErrorIs(t, err, repository.ErrLocked)

	ev, err := s.Insert(ctx, "t", "e1", 0.3)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Insert(ctx, "t", "e1", 0.3)
	assert.ErrorIs(t, err, repository.ErrClosed)

	reopened := openStore(t, path)
	last, err := reopened.LastEventFor(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, ev.ID, last.ID)
}
