package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postpilot/postpilot-backend/internal/log"
)

func newMemCache() *Cache {
	return NewMemoryCache(log.NewNop(), nil)
}

func TestCacheRoundTrip(t *testing.T) {
	c := newMemCache()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, c.Set(ctx, "k1", payload{Name: "a", Count: 3}, time.Minute))

	var got payload
	require.NoError(t, c.Get(ctx, "k1", &got))
	assert.Equal(t, payload{Name: "a", Count: 3}, got)
}

func TestCacheMiss(t *testing.T) {
	c := newMemCache()

	var got string
	err := c.Get(context.Background(), "absent", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheExpiry(t *testing.T) {
	c := newMemCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	var got string
	err := c.Get(ctx, "short", &got)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCacheDeleteAndExists(t *testing.T) {
	c := newMemCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", 1, time.Minute))
	ok, err := c.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k1"))
	ok, err = c.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheSetNX(t *testing.T) {
	c := newMemCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "once", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "once", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim loses")

	var got string
	require.NoError(t, c.Get(ctx, "once", &got))
	assert.Equal(t, "first", got)
}

func TestCachePubSub(t *testing.T) {
	c := newMemCache()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Subscribe(ctx, "topic-a")

	require.NoError(t, c.Publish(ctx, "topic-a", map[string]string{"k": "v"}))
	require.NoError(t, c.Publish(ctx, "topic-b", "not subscribed"))

	select {
	case payload := <-ch:
		assert.JSONEq(t, `{"k":"v"}`, payload)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	select {
	case payload := <-ch:
		t.Fatalf("unexpected message: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCacheSubscribeClosesOnContextCancel(t *testing.T) {
	c := newMemCache()
	ctx, cancel := context.WithCancel(context.Background())

	ch := c.Subscribe(ctx, "topic-a")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closes when the context ends")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}

func TestCacheInMemoryMode(t *testing.T) {
	c := newMemCache()
	assert.True(t, c.InMemoryMode())
	assert.NoError(t, c.Ping(context.Background()))
	assert.NoError(t, c.Close())
}
