package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// RedisLayer wraps *redis.Client, the real external-cache client this
// kernel talks to in production, with CAS implemented via WATCH/MULTI/EXEC
// — go-redis's documented optimistic-locking pattern, needing no ecosystem
// primitive beyond what the client already exposes.
type RedisLayer struct {
	client *redis.Client
}

func NewRedisLayer(client *redis.Client) *RedisLayer {
	return &RedisLayer{client: client}
}

func (c *RedisLayer) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, synerr.BackendError(err)
	}
	return v, true, nil
}

func (c *RedisLayer) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return synerr.BackendError(err)
	}
	return nil
}

func (c *RedisLayer) Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, synerr.BackendError(err)
	}
	return ok, nil
}

func (c *RedisLayer) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return synerr.BackendError(err)
	}
	return nil
}

func (c *RedisLayer) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, synerr.BackendError(err)
	}
	return n, nil
}

// CAS reads key inside a WATCH, and only commits the write through a MULTI/
// EXEC transaction if nothing else modified it first; a watched key whose
// value changed out from under the transaction aborts the EXEC and CAS
// reports a clean false rather than an error, letting the dirty-marker
// protocol's caller treat it exactly like a lost race.
func (c *RedisLayer) CAS(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	applied := false
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			current = ""
		} else if err != nil {
			return err
		}
		if current != prev {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	}

	err := c.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, synerr.BackendError(err)
	}
	return applied, nil
}
