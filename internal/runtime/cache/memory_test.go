package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheStoreLookup(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute, 0)

	require.NoError(t, c.Store(ctx, "key", []byte(`{"v":1}`)))

	entry, ok, err := c.Lookup(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(entry.Payload))
	assert.False(t, entry.StoredAt.IsZero())
	assert.True(t, entry.ExpiresAt.After(entry.StoredAt))

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	require.NoError(t, c.Close(ctx))
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemory(time.Minute, 0)
	_, ok, err := c.Lookup(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(10*time.Millisecond, 0)

	require.NoError(t, c.Store(ctx, "key", []byte("v")))
	time.Sleep(25 * time.Millisecond)

	_, ok, err := c.Lookup(ctx, "key")
	require.NoError(t, err)
	assert.False(t, ok)

	size, err := c.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestMemoryCacheEvictsOldestWhenBounded(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute, 2)

	require.NoError(t, c.Store(ctx, "first", []byte("1")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Store(ctx, "second", []byte("2")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.Store(ctx, "third", []byte("3")))

	_, ok, err := c.Lookup(ctx, "first")
	require.NoError(t, err)
	assert.False(t, ok, "oldest write should be evicted")

	for _, key := range []string{"second", "third"} {
		_, ok, err := c.Lookup(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
}

func TestMemoryCacheReturnsDetachedPayload(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute, 0)

	payload := []byte("original")
	require.NoError(t, c.Store(ctx, "key", payload))
	payload[0] = 'X'

	entry, ok, err := c.Lookup(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "original", string(entry.Payload))

	entry.Payload[0] = 'Y'
	again, _, err := c.Lookup(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "original", string(again.Payload))
}
