package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/coordinator"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/lock"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
)

func newTestAccountant(t *testing.T, ceiling int64) (*Accountant, *coordinator.Coordinator) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisLayer(client)
	l := lock.NewBoltLock()
	coord := coordinator.New(s, c, l, coordinator.Config{
		Classify: map[string]coordinator.Classification{"bookmarks": coordinator.Cached},
	})
	return New(coord, ceiling), coord
}

func strPtr(s string) *string { return &s }

func TestUnlimitedQuotaAlwaysPasses(t *testing.T) {
	a, _ := newTestAccountant(t, 0)
	require.NoError(t, a.CheckAndReserve(context.Background(), "user1", 1<<30))
}

func TestOverQuotaRejected(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccountant(t, 10)

	err := a.CheckAndReserve(ctx, "user1", 11)
	require.Error(t, err)
}

func TestCheckAndReservePassesUnderCeiling(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccountant(t, 1<<20)
	require.NoError(t, a.CheckAndReserve(ctx, "user1", 100))
}

func TestRemainingNotAdvertisedFarFromCeiling(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAccountant(t, 1<<30)
	_, advertise, err := a.Remaining(ctx, "user1")
	require.NoError(t, err)
	require.False(t, advertise)
}

func TestRemainingAdvertisedNearCeiling(t *testing.T) {
	ctx := context.Background()
	a, coord := newTestAccountant(t, 1<<20)

	_, err := coord.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("0123456789")})
	require.NoError(t, err)

	_, advertise, err := a.Remaining(ctx, "user1")
	require.NoError(t, err)
	require.True(t, advertise)
}
