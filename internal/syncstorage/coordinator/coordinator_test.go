package coordinator

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/lock"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisLayer(client)
	l := lock.NewBoltLock()

	return New(s, c, l, cfg), s
}

func strPtr(s string) *string { return &s }

func TestSetItemThenGetItemCached(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, Config{Classify: map[string]Classification{"bookmarks": Cached}})

	_, err := coord.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("hello")})
	require.NoError(t, err)

	got, err := coord.GetItem(ctx, "user1", "bookmarks", "a")
	require.NoError(t, err)
	require.Equal(t, "hello", *got.Payload)
}

func TestSetItemUncachedPassesThrough(t *testing.T) {
	ctx := context.Background()
	coord, underlying := newTestCoordinator(t, Config{Classify: map[string]Classification{}})

	_, err := coord.SetItem(ctx, "user1", "history", bso.BSO{ID: "a", Payload: strPtr("x")})
	require.NoError(t, err)

	direct, err := underlying.GetItem(ctx, "user1", "history", "a")
	require.NoError(t, err)
	require.Equal(t, "x", *direct.Payload)
}

func TestGetItemCacheOnlyNeverTouchesStore(t *testing.T) {
	ctx := context.Background()
	coord, underlying := newTestCoordinator(t, Config{Classify: map[string]Classification{"tabs": CacheOnly}})

	_, err := coord.SetItem(ctx, "user1", "tabs", bso.BSO{ID: "a", Payload: strPtr("tab-data")})
	require.NoError(t, err)

	_, err = underlying.GetItem(ctx, "user1", "tabs", "a")
	require.Error(t, err, "cache-only collection must never reach the durable store")

	got, err := coord.GetItem(ctx, "user1", "tabs", "a")
	require.NoError(t, err)
	require.Equal(t, "tab-data", *got.Payload)
}

func TestHotItemFastPath(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, Config{Classify: map[string]Classification{"meta": Cached}})

	_, err := coord.SetItem(ctx, "user1", "meta", bso.BSO{ID: "global", Payload: strPtr("v1")})
	require.NoError(t, err)

	got, err := coord.GetItem(ctx, "user1", "meta", "global")
	require.NoError(t, err)
	require.Equal(t, "v1", *got.Payload)
}

func TestTotalSizeForcesRecompute(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t, Config{Classify: map[string]Classification{"bookmarks": Cached}})

	_, err := coord.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("12345")})
	require.NoError(t, err)

	size, err := coord.TotalSize(ctx, "user1", 0, true)
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, int64(5))
}
