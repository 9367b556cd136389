package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redisTestValue struct {
	Count int       `json:"count"`
	Seen  time.Time `json:"seen"`
}

// newTestRedis connects to REDIS_ADDR, skipping the test when unset.
func newTestRedis(t *testing.T) *Redis[redisTestValue] {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis store tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, RedisOptions{Addr: addr, DialTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewRedis[redisTestValue](client, "test:"+uuid.NewString()+":")
}

func TestRedis_RoundTrip(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, r.Put(ctx, "a", redisTestValue{Count: 1, Seen: now}, time.Minute))

	v, ok, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v.Count)
	assert.True(t, now.Equal(v.Seen))

	v, ok, err = r.Update(ctx, "a", time.Minute, func(cur redisTestValue, exists bool) (redisTestValue, bool, error) {
		cur.Count++
		return cur, true, nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v.Count)

	taken, ok, err := r.Take(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, taken.Count)

	_, ok, err = r.Take(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_Range(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, r.Put(ctx, k, redisTestValue{Count: 1}, time.Minute))
	}

	keys := map[string]bool{}
	require.NoError(t, r.Range(ctx, func(key string, v redisTestValue) bool {
		keys[key] = true
		return true
	}))
	assert.Equal(t, map[string]bool{"x": true, "y": true, "z": true}, keys)
}
