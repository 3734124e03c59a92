package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/presence/internal/adapters/repository"
	"github.com/okian/presence/internal/domain/model"
)

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	s := repository.NewMemoryStore(repository.WithClock(clock.now))

	last, err := s.LastEventFor(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, last)

	first, err := s.Insert(ctx, "t1", "e1", 0.4)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "t1", first.TenantID)

	second, err := s.Insert(ctx, "t1", "e1", 0.3)
	require.NoError(t, err)
	_, err = s.Insert(ctx, "t2", "e2", 0.2)
	require.NoError(t, err)

	last, err = s.LastEventFor(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, second.ID, last.ID)
	assert.True(t, last.Timestamp.After(first.Timestamp))

	all, err := s.List(ctx, repository.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e2", all[0].IdentityID)

	scoped, err := s.List(ctx, repository.Filter{TenantID: "t1", IdentityID: "e1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, second.ID, scoped[0].ID)

	_, err = s.Insert(ctx, "t1", " ", 0.1)
	assert.ErrorIs(t, err, repository.ErrInvalidIdentity)
}

func TestMemoryStoreListLimit(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemoryStore()
	for i := 0; i < repository.DefaultListLimit+5; i++ {
		_, err := s.Insert(ctx, "t", fmt.Sprintf("id-%d", i), 0.1)
		require.NoError(t, err)
	}
	out, err := s.List(ctx, repository.Filter{Limit: 5000})
	require.NoError(t, err)
	assert.Len(t, out, repository.DefaultListLimit)
}

func TestMemoryStoreRoster(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemoryStore(repository.WithIdentities("t1",
		model.Identity{ID: "e1", DisplayName: "Ada", Embeddings: [][]float32{{1, 2}}},
	))

	ids, err := s.Roster(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	ids[0].Embeddings[0][0] = 99

	again, err := s.Roster(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, float32(1), again[0].Embeddings[0][0])

	require.NoError(t, s.SaveIdentity(ctx, "t1", model.Identity{ID: "e1", DisplayName: "Ada L."}))
	require.NoError(t, s.SaveIdentity(ctx, "t1", model.Identity{ID: "e2"}))
	ids, err = s.Roster(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, "Ada L.", ids[0].DisplayName)

	empty, err := s.Roster(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.ErrorIs(t, s.SaveIdentity(ctx, "", model.Identity{ID: "x"}), repository.ErrInvalidTenant)
}

func TestMemoryStoreClose(t *testing.T) {
	ctx := context.Background()
	s := repository.NewMemoryStore()
	require.NoError(t, s.Close())
	_, err := s.Insert(ctx, "t", "e1", 0.1)
	assert.ErrorIs(t, err, repository.ErrClosed)
	_, err = s.LastEventFor(ctx, "e1")
	assert.ErrorIs(t, err, repository.ErrClosed)
}
