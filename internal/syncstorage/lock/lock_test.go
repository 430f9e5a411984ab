package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestBoltLockExclusiveBlocksSecondWriter(t *testing.T) {
	l := NewBoltLock()
	ctx := context.Background()

	session, err := l.Lock(ctx, "user1", "bookmarks")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(shortCtx, "user1", "bookmarks")
	require.Error(t, err)

	session.Release()

	_, err = l.Lock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
}

func TestBoltLockAllowsConcurrentReaders(t *testing.T) {
	l := NewBoltLock()
	ctx := context.Background()

	s1, err := l.RLock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	defer s1.Release()

	s2, err := l.RLock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	defer s2.Release()
}

func TestBoltLockReleaseIsIdempotent(t *testing.T) {
	l := NewBoltLock()
	ctx := context.Background()
	s, err := l.Lock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	s.Release()
	require.NotPanics(t, func() { s.Release() })
}

func TestUpgradeAlwaysRejected(t *testing.T) {
	l := NewBoltLock()
	ctx := context.Background()
	s, err := l.RLock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	defer s.Release()

	_, err = s.Upgrade(ctx)
	require.Error(t, err)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCacheLockExclusive(t *testing.T) {
	client := newTestRedis(t)
	l := NewCacheLock(client)
	ctx := context.Background()

	session, err := l.Lock(ctx, "user1", "tabs")
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(shortCtx, "user1", "tabs")
	require.Error(t, err)

	session.Release()

	_, err = l.Lock(ctx, "user1", "tabs")
	require.NoError(t, err)
}

func TestSnapshotLockNeverBlocks(t *testing.T) {
	l := NewSnapshotLock()
	ctx := context.Background()
	s1, err := l.Lock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	s2, err := l.Lock(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	s1.Release()
	s2.Release()
}
