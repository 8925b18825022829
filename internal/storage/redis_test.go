package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"domain-limiter/internal/logger"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStorageWithClient(client, logger.NewLogger("error", "json")), mr
}

func TestRedisStorage_TakeExhaustsBucket(t *testing.T) {
	// Arrange
	store, _ := newTestRedisStorage(t)
	ctx := context.Background()
	key := BuildKey("example.com")

	// Act
	granted := 0
	for i := 0; i < 20; i++ {
		res, err := store.Take(ctx, key, 20, 10, epoch)
		require.NoError(t, err)
		if res.Granted {
			granted++
		}
	}
	denied, err := store.Take(ctx, key, 20, 10, epoch)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 20, granted)
	assert.False(t, denied.Granted)
	assert.InDelta(t, 0, denied.Tokens, 1e-9)
}

func TestRedisStorage_TakeRefills(t *testing.T) {
	tests := []struct {
		name           string
		elapsed        time.Duration
		expectGranted  bool
		expectedTokens float64
	}{
		{name: "Should deny before a full token accrues", elapsed: 50 * time.Millisecond, expectGranted: false, expectedTokens: 0.5},
		{name: "Should grant after a full token accrues", elapsed: 100 * time.Millisecond, expectGranted: true, expectedTokens: 0},
		{name: "Should cap refill at capacity", elapsed: time.Hour, expectGranted: true, expectedTokens: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			store, _ := newTestRedisStorage(t)
			ctx := context.Background()
			key := BuildKey("example.com")
			for i := 0; i < 2; i++ {
				_, err := store.Take(ctx, key, 2, 10, epoch)
				require.NoError(t, err)
			}

			// Act
			res, err := store.Take(ctx, key, 2, 10, epoch.Add(tt.elapsed))

			// Assert
			require.NoError(t, err)
			assert.Equal(t, tt.expectGranted, res.Granted)
			assert.InDelta(t, tt.expectedTokens, res.Tokens, 1e-6)
		})
	}
}

func TestRedisStorage_IgnoresClockSkewBackwards(t *testing.T) {
	store, _ := newTestRedisStorage(t)
	ctx := context.Background()
	key := BuildKey("example.com")

	_, err := store.Take(ctx, key, 1, 1, epoch)
	require.NoError(t, err)

	res, err := store.Take(ctx, key, 1, 1, epoch.Add(-time.Minute))

	require.NoError(t, err)
	assert.False(t, res.Granted)
}

func TestRedisStorage_SetsExpiry(t *testing.T) {
	store, mr := newTestRedisStorage(t)
	key := BuildKey("example.com")

	_, err := store.Take(context.Background(), key, 10, 1, epoch)
	require.NoError(t, err)

	assert.True(t, mr.Exists(key))
	assert.Equal(t, 20*time.Second, mr.TTL(key))
	mr.FastForward(21 * time.Second)
	assert.False(t, mr.Exists(key))
}

func TestRedisStorage_Reset(t *testing.T) {
	store, mr := newTestRedisStorage(t)
	ctx := context.Background()
	key := BuildKey("example.com")
	_, err := store.Take(ctx, key, 1, 1, epoch)
	require.NoError(t, err)

	require.NoError(t, store.Reset(ctx, key))

	assert.False(t, mr.Exists(key))
	res, err := store.Take(ctx, key, 1, 1, epoch)
	require.NoError(t, err)
	assert.True(t, res.Granted)
}

func TestRedisStorage_Errors(t *testing.T) {
	t.Run("Should reject invalid bucket parameters", func(t *testing.T) {
		store, _ := newTestRedisStorage(t)

		_, err := store.Take(context.Background(), BuildKey("example.com"), 0, 1, epoch)

		assert.Error(t, err)
	})

	t.Run("Should surface backend failures", func(t *testing.T) {
		store, mr := newTestRedisStorage(t)
		mr.Close()

		_, err := store.Take(context.Background(), BuildKey("example.com"), 1, 1, epoch)

		assert.Error(t, err)
		assert.Error(t, store.Health(context.Background()))
	})
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 40*time.Second, bucketTTL(20, 1))
	assert.Equal(t, time.Second, bucketTTL(1, 100))
}

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "rate_limit:domain:example.com", BuildKey("example.com"))
}
