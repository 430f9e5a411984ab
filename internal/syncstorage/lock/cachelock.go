package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// cacheLockTTL bounds how long a cache-lock key may survive even if its
// holder crashes without releasing, so a dead process can never wedge a
// cache-only collection shut.
const cacheLockTTL = 5 * time.Minute

// CacheLock is the cache-lock mode: required for cache-only collections
// (spec.md "tabs"), which have no durable-store row to serialize on.
// Acquisition is a Redis SETNX; release deletes the key only if it still
// holds the session's own token, so a lock this session's TTL already
// expired can't be released out from under a new holder.
type CacheLock struct {
	client *redis.Client
}

func NewCacheLock(client *redis.Client) *CacheLock {
	return &CacheLock{client: client}
}

func keyFor(userID, collection string) string {
	return "lock:" + userID + ":" + collection
}

// CacheLock does not distinguish shared and exclusive acquisition — a
// cache-only collection has no concept of a concurrent reader, so RLock and
// Lock both take the same exclusive SETNX.
func (l *CacheLock) RLock(ctx context.Context, userID, collection string) (Session, error) {
	return l.Lock(ctx, userID, collection)
}

func (l *CacheLock) Lock(ctx context.Context, userID, collection string) (Session, error) {
	id := uuid.New()
	key := keyFor(userID, collection)
	try := func() bool {
		ok, err := l.client.SetNX(ctx, key, id.String(), cacheLockTTL).Result()
		return err == nil && ok
	}
	if err := acquireBounded(ctx, "cache", "write", try); err != nil {
		return nil, err
	}
	return &cacheSession{client: l.client, key: key, id: id, writer: true}, nil
}

type cacheSession struct {
	client   *redis.Client
	key      string
	id       uuid.UUID
	writer   bool
	released bool
}

func (s *cacheSession) ID() uuid.UUID { return s.id }
func (s *cacheSession) Writer() bool  { return s.writer }

// releaseScript deletes the key only when it still holds this session's
// token, the standard Redis delete-if-owner compare-and-delete pattern.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

func (s *cacheSession) Release() {
	if s.released {
		return
	}
	s.released = true
	ctx := context.Background()
	s.client.Eval(ctx, releaseScript, []string{s.key}, s.id.String())
}

func (s *cacheSession) Upgrade(ctx context.Context) (Session, error) {
	return nil, errLockUpgradeNotAllowed()
}

var _ Manager = (*CacheLock)(nil)
