package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis はTEST_REDIS_URLのRedisに接続する。接続できない場合はスキップする。
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/15"
	}
	client, err := NewRedisClient(context.Background(), redisURL)
	if err != nil {
		t.Skipf("Skipping Redis-dependent test: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_SlidingWindow(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client, "test:ratelimit:")
	ctx := context.Background()
	key := uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), "test:ratelimit:"+key) })

	start := time.Now().Truncate(time.Millisecond)
	window := 15 * time.Minute

	for i := 0; i < 5; i++ {
		record, allowed, err := store.Hit(ctx, key, 5, window, start.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i+1, record.Count)
	}

	record, allowed, err := store.Hit(ctx, key, 5, window, start.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 5, record.Count)
	assert.True(t, record.WindowStart.Equal(start), "WindowStart = %v, want %v", record.WindowStart, start)

	ttl, err := client.PTTL(ctx, "test:ratelimit:"+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}
