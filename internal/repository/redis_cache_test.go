package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Dhoini/Sharing-microservice/internal/domain"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopGroupCacheAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var cache GroupViewCache = NoopGroupCache{}

	require.NoError(t, cache.Set(ctx, &domain.GroupSnapshot{Group: domain.Group{ID: "g1"}}))
	snap, err := cache.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestRedisGroupCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("SHARING_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHARING_TEST_REDIS_ADDR is not set")
	}
	ctx := context.Background()
	cache, err := NewRedisGroupCache(addr, "", 0, time.Minute, logger.NewNop())
	require.NoError(t, err)
	defer cache.Close()

	id := uuid.NewString()
	miss, err := cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, miss)

	snap := &domain.GroupSnapshot{Group: domain.Group{ID: id, MaxParticipants: 4}, ActiveCount: 2}
	require.NoError(t, cache.Set(ctx, snap))

	got, err := cache.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ActiveCount)
	assert.Equal(t, 2, got.OpenSlots())

	require.NoError(t, cache.Invalidate(ctx, id))
	got, err = cache.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}
