// Package cache implements the process-external Cache Layer the Cache
// Coordinator builds the dirty-marker protocol on top of. It is a thin,
// typed wrapper over a key-value store — Redis in production, miniredis in
// tests — never an in-process cache, since the coordinator's correctness
// depends on the cache being visible across every process talking to a
// given user's data.
package cache

import (
	"context"
	"time"
)

// Layer is the capability set the coordinator needs from the external
// cache. Every method is scoped to a single opaque key; the coordinator
// owns key construction.
type Layer interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Set unconditionally overwrites key's value.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Add sets key's value only if it is currently absent, used for the
	// dirty-marker repopulation path (never blind Set, since a racing
	// writer's newer value must not be clobbered by a stale rebuild).
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CAS replaces key's value with next only if its current value is
	// still prev; returns false without error if the value had already
	// changed.
	CAS(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Incr atomically adds delta to the integer stored at key, creating it
	// at delta if absent.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
}
