package dispatcher

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLimiter_PerKeyBuckets(t *testing.T) {
	l := NewLocalLimiter(0.001, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "peer-a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "peer-a")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "peer-b")
	assert.True(t, ok, "buckets are independent per key")
}

func TestLimiterKey(t *testing.T) {
	assert.Equal(t, "provider.example:8443", limiterKey("https://provider.example:8443/protocol"))
	assert.Equal(t, "not a url", limiterKey("not a url"))
}

// TestRedisLimiter_Integration requires a running Redis and is skipped
// otherwise.
func TestRedisLimiter_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer func() { _ = client.Close() }()
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	l := NewRedisLimiter(client, 0.001, 1)
	key := "test-" + uuid.NewString()

	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
