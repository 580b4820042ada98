package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	store, err := NewMemoryStore(MemoryConfig{LifeWindow: time.Hour, Shards: 8})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
	val, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Delete(ctx, "never-set"))
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Minute))
	require.NoError(t, store.Set(ctx, "forever", []byte("y"), 0))

	now = now.Add(59 * time.Second)
	_, ok, _ := store.Get(ctx, "short")
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = store.Get(ctx, "short")
	assert.False(t, ok, "entry should expire after its TTL")

	_, ok, _ = store.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestMemoryStore_SetNX(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	store.now = func() time.Time { return now }

	ok, err := store.SetNX(ctx, "lock", []byte("a"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock", []byte("b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(2 * time.Second)
	ok, err = store.SetNX(ctx, "lock", []byte("c"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be re-acquired")
}

func TestMemoryStore_SetNXConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetNX(ctx, "contended", []byte("x"), time.Minute)
			if err == nil && ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestMemoryStore_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Set(ctx, "lock", []byte("owner-1"), time.Minute))

	ok, err := store.CompareAndDelete(ctx, "lock", []byte("owner-2"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, exists, _ := store.Get(ctx, "lock")
	assert.True(t, exists)

	ok, err = store.CompareAndDelete(ctx, "lock", []byte("owner-1"))
	require.NoError(t, err)
	assert.True(t, ok)

	_, exists, _ = store.Get(ctx, "lock")
	assert.False(t, exists)
}
