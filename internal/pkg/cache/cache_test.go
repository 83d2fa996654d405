package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_SetGetExpire(t *testing.T) {
	c := NewMemoryCache("holdings")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	key := c.GenerateKey("debit", "tx-1/0/forward")
	assert.Equal(t, "holdings:debit:tx-1/0/forward", key)

	require.NoError(t, c.Set(ctx, key, []byte(`{"ok":true}`), time.Minute))
	v, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, v)

	now = now.Add(2 * time.Minute)
	v, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestMemoryCache_MissIsEmpty(t *testing.T) {
	v, err := NewMemoryCache("x").Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := NewRedisCache(addr, "test")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	key := c.GenerateKey("roundtrip", time.Now().Format(time.RFC3339Nano))
	require.NoError(t, c.Set(ctx, key, "value", time.Minute))
	v, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	v, err = c.Get(ctx, c.GenerateKey("roundtrip", "missing"))
	require.NoError(t, err)
	assert.Empty(t, v)
}
