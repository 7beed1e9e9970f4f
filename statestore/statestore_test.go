package statestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore creates a test Redis store with miniredis
func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts...), mr
}

func sampleHistory(key string) *History {
	return &History{
		SessionKey: key,
		Turns: []Turn{
			{Role: "user", Content: "what's the weather"},
			{Role: "assistant", Content: "Sunny."},
		},
	}
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("test"))
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Save(ctx, sampleHistory("agent:main:glass:2026-01-01T00:00:00Z")))
	assert.True(t, mr.Exists("test:history:agent:main:glass:2026-01-01T00:00:00Z"))

	h, err := store.Load(ctx, "agent:main:glass:2026-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Len(t, h.Turns, 2)
	assert.Equal(t, "Sunny.", h.Turns[1].Content)
	assert.False(t, h.UpdatedAt.IsZero())
}

func TestRedisStore_Errors(t *testing.T) {
	store, _ := setupRedisStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidID)

	assert.ErrorIs(t, store.Save(ctx, nil), ErrInvalidState)
	assert.ErrorIs(t, store.Save(ctx, &History{}), ErrInvalidID)
	assert.ErrorIs(t, store.Delete(ctx, ""), ErrInvalidID)
}

func TestRedisStore_TTLExpiry(t *testing.T) {
	store, mr := setupRedisStore(t, WithTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleHistory("k1")))
	mr.FastForward(2 * time.Minute)

	_, err := store.Load(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_ListAndDelete(t *testing.T) {
	store, mr := setupRedisStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleHistory("old")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, store.Save(ctx, sampleHistory("new")))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new", "old"}, keys)

	require.NoError(t, store.Delete(ctx, "new"))
	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, keys)

	// a history that expired on its own is pruned from the index
	mr.Del("visionclaw:history:old")
	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStore_SaveLoadCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	h := sampleHistory("k")
	require.NoError(t, store.Save(ctx, h))
	h.Turns[0].Content = "mutated"

	got, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "what's the weather", got.Turns[0].Content)

	got.Turns[1].Content = "also mutated"
	again, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "Sunny.", again.Turns[1].Content)
}

func TestMemoryStore_TTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := NewMemoryStore(WithMemoryTTL(time.Minute), withClock(clock))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleHistory("a")))
	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	require.NoError(t, store.Save(ctx, sampleHistory("b")))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, keys)

	mu.Lock()
	now = now.Add(45 * time.Second)
	mu.Unlock()

	_, err = store.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore(WithMemoryTTL(0))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleHistory("k")))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Load(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, ""), ErrInvalidID)
}
