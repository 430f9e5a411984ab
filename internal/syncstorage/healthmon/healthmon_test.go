package healthmon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
)

type fakeChecker struct {
	name    string
	healthy bool
}

func (f *fakeChecker) Name() string { return f.name }
func (f *fakeChecker) Check(ctx context.Context) Result {
	if f.healthy {
		return Result{Healthy: true, CheckedAt: time.Now()}
	}
	return Result{Healthy: false, Message: "down", CheckedAt: time.Now()}
}

func newTestCache(t *testing.T) cache.Layer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewRedisLayer(client)
}

func TestHealthyBackendPublishesOK(t *testing.T) {
	c := newTestCache(t)
	checker := &fakeChecker{name: "shard0", healthy: true}
	m := New(func() []Checker { return []Checker{checker} }, c, Config{Retries: 1})

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		v, ok, _ := c.Get(context.Background(), statusKey("shard0"))
		return ok && v == string(StatusOK)
	}, time.Second, 10*time.Millisecond)
}

func TestUnhealthyAfterRetriesExceeded(t *testing.T) {
	c := newTestCache(t)
	checker := &fakeChecker{name: "shard0", healthy: false}
	m := New(func() []Checker { return []Checker{checker} }, c, Config{Retries: 1, Interval: 10 * time.Millisecond})

	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		v, ok, _ := c.Get(context.Background(), statusKey("shard0"))
		return ok && v == string(StatusUnhealthy)
	}, time.Second, 10*time.Millisecond)
}

func TestOperatorDownIsNeverOverwritten(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	require.NoError(t, c.Set(ctx, statusKey("shard0"), string(StatusDown), 0))

	checker := &fakeChecker{name: "shard0", healthy: true}
	m := New(func() []Checker { return []Checker{checker} }, c, Config{Retries: 1, Interval: 10 * time.Millisecond})
	m.Start()
	time.Sleep(50 * time.Millisecond)
	m.Stop()

	v, ok, err := c.Get(ctx, statusKey("shard0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, string(StatusDown), v)
}
