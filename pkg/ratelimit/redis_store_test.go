package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	defer store.Close()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test:" + uuid.NewString()
	now := time.Now()

	ok, used, err := store.TryAdd(ctx, key, 2, 3, time.Minute, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(0), used)

	ok, used, err = store.TryAdd(ctx, key, 2, 3, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, float64(2), used)

	total, err := store.Usage(ctx, key, time.Minute, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.Equal(t, float64(0), total, "entry aged out of the window")
}
