// Package coordinator implements the two-tier Cache Coordinator: it wraps
// a durable store.Store and an external cache.Layer behind the
// dirty-marker protocol described in spec.md §4.3, so the durable store
// stays authoritative while reads are served from cache whenever the cache
// entry is known-good.
package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/lock"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/metrics"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// Config is the coordinator's static policy: which collections are
// cached, which are cache-only, and the "hot single item" fast path
// supplemented from the original's _is_meta_global special case.
type Config struct {
	Classify map[string]Classification
	// HotCollection/HotItemID name the single collection/item pair also
	// cached under its own key. The key is written by writes to a Cached or
	// CacheOnly collection; writes to an Uncached collection go straight to
	// the store and do not populate it. Each defaults (meta, global) when
	// empty.
	HotCollection      string
	HotItemID          string
	SizeRecalcInterval time.Duration // default 1 hour
	SizeHeadroomBytes  int64         // default 1 MiB
	CacheTTL           time.Duration // default 24h
}

func (c Config) classification(collection string) Classification {
	if cl, ok := c.Classify[collection]; ok {
		return cl
	}
	return Uncached
}

func (c Config) hotCollection() string {
	if c.HotCollection != "" {
		return c.HotCollection
	}
	return "meta"
}

func (c Config) hotItemID() string {
	if c.HotItemID != "" {
		return c.HotItemID
	}
	return "global"
}

func (c Config) recalcInterval() time.Duration {
	if c.SizeRecalcInterval > 0 {
		return c.SizeRecalcInterval
	}
	return time.Hour
}

func (c Config) headroomBytes() int64 {
	if c.SizeHeadroomBytes > 0 {
		return c.SizeHeadroomBytes
	}
	return 1 << 20
}

func (c Config) ttl() time.Duration {
	if c.CacheTTL > 0 {
		return c.CacheTTL
	}
	return 24 * time.Hour
}

// Coordinator is the component the batch pipeline and quota accountant
// call into; it is the only thing in this module that touches both a
// store.Store and a cache.Layer at once.
type Coordinator struct {
	store  store.Store
	cache  cache.Layer
	locks  lock.Manager
	cfg    Config
	logger zerolog.Logger
}

func New(s store.Store, c cache.Layer, l lock.Manager, cfg Config) *Coordinator {
	return &Coordinator{store: s, cache: c, locks: l, cfg: cfg, logger: log.WithComponent("coordinator")}
}

func metadataKey(userID string) string {
	return "metadata:" + userID
}

func collectionKey(userID, collection string) string {
	return "c:" + userID + ":" + collection
}

func hotItemKey(userID, collection, id string) string {
	return "item:" + userID + ":" + collection + ":" + id
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// loadMetadata returns the user's cached metadata, rebuilding it from the
// durable store (and repopulating the cache via Add, never Set, so a
// concurrent writer's fresher value is never clobbered) when the cache
// entry is missing or carries the dirty-marker sentinel version.
func (c *Coordinator) loadMetadata(ctx context.Context, userID string) (Metadata, error) {
	raw, ok, err := c.cache.Get(ctx, metadataKey(userID))
	if err != nil {
		return Metadata{}, err
	}
	if ok {
		var m Metadata
		if err := json.Unmarshal([]byte(raw), &m); err == nil && m.Version != versionUnknown {
			metrics.CoordinatorCacheHits.WithLabelValues("metadata", "hit").Inc()
			return m, nil
		}
	}
	metrics.CoordinatorCacheHits.WithLabelValues("metadata", "miss").Inc()
	return c.rebuildMetadata(ctx, userID)
}

func (c *Coordinator) rebuildMetadata(ctx context.Context, userID string) (Metadata, error) {
	timestamps, err := c.store.GetCollectionTimestamps(ctx, userID)
	if err != nil {
		return Metadata{}, err
	}
	total, err := c.store.GetTotalSize(ctx, userID, false)
	if err != nil {
		return Metadata{}, err
	}
	for name, cl := range c.cfg.Classify {
		if cl != CacheOnly {
			continue
		}
		var cc CachedCollection
		if raw, ok, err := c.cache.Get(ctx, collectionKey(userID, name)); err == nil && ok && json.Unmarshal([]byte(raw), &cc) == nil {
			for _, item := range cc.Items {
				if item.Payload != nil {
					total += int64(len(*item.Payload))
				}
			}
		}
	}
	m := Metadata{
		Size:           total,
		LastSizeRecalc: time.Now().Unix(),
		Version:        1,
		Collections:    make(map[string]int64, len(timestamps)),
	}
	for name, ts := range timestamps {
		m.Collections[name] = int64(ts * 100)
	}
	if raw, err := encode(m); err == nil {
		if _, err := c.cache.Add(ctx, metadataKey(userID), raw, c.cfg.ttl()); err != nil {
			c.logger.Warn().Err(err).Str("user", userID).Msg("failed to repopulate metadata cache")
		}
	}
	return m, nil
}

// markMetadataDirty CASes the user's cached metadata to the sentinel
// version, the first step of every dirty-marker write (spec.md §4.3 step
// 1). Returns the metadata observed before the CAS so the caller can
// restore it on a durable-store failure.
func (c *Coordinator) markMetadataDirty(ctx context.Context, userID string) (Metadata, string, error) {
	m, err := c.loadMetadata(ctx, userID)
	if err != nil {
		return Metadata{}, "", err
	}
	prevRaw, err := encode(m)
	if err != nil {
		return Metadata{}, "", err
	}
	sentinel := m
	sentinel.Version = versionUnknown
	sentinelRaw, err := encode(sentinel)
	if err != nil {
		return Metadata{}, "", err
	}
	ok, err := c.cache.CAS(ctx, metadataKey(userID), prevRaw, sentinelRaw, c.cfg.ttl())
	if err != nil {
		return Metadata{}, "", err
	}
	if !ok {
		// Someone else changed the metadata first; re-observe it and
		// continue without a second CAS. This write does not mark the
		// metadata dirty itself and no Conflict is returned; it still
		// serializes with the other writer under the collection lock.
		m, err = c.loadMetadata(ctx, userID)
		if err != nil {
			return Metadata{}, "", err
		}
		prevRaw, err = encode(m)
		if err != nil {
			return Metadata{}, "", err
		}
	}
	return m, prevRaw, nil
}

// SetItem writes item into collection through the dirty-marker protocol:
// CAS metadata to the sentinel, take the collection write lock, write
// durably (skipped for cache-only collections), then update the cache and
// clear the sentinel. A durable-store failure restores the prior metadata
// (the write never happened, so the cache must not look dirty); any other
// failure leaves the sentinel in place so the next reader falls through to
// the store instead of trusting a half-updated cache.
func (c *Coordinator) SetItem(ctx context.Context, userID, collection string, item bso.BSO) (store.SetItemResult, error) {
	class := c.cfg.classification(collection)

	// Uncached collections never touch the cache layer at all: no
	// dirty-marker to set, nothing to repopulate.
	if class == Uncached {
		session, err := c.locks.Lock(ctx, userID, collection)
		if err != nil {
			return store.SetItemResult{}, err
		}
		defer session.Release()
		return c.store.SetItem(ctx, userID, collection, item)
	}

	prevMeta, prevMetaRaw, err := c.markMetadataDirty(ctx, userID)
	if err != nil {
		return store.SetItemResult{}, err
	}

	session, err := c.locks.Lock(ctx, userID, collection)
	if err != nil {
		return store.SetItemResult{}, err
	}
	defer session.Release()

	var result store.SetItemResult
	if class == CacheOnly {
		existed := false
		if cc, err := c.loadCollection(ctx, userID, collection, class); err == nil {
			_, existed = cc.Items[item.ID]
		}
		result = store.SetItemResult{Created: !existed, Modified: nowRounded()}
	} else {
		result, err = c.store.SetItem(ctx, userID, collection, item)
		if err != nil {
			// Any error from the durable write means the write never
			// happened, so the cache must not be left looking dirty: roll
			// the sentinel back to what it was before this attempt
			// (spec.md §4.3 step 2).
			c.restoreMetadata(ctx, userID, prevMetaRaw)
			return store.SetItemResult{}, err
		}
	}

	c.updateCacheAfterWrite(ctx, userID, collection, prevMeta, item, result)
	return result, nil
}

// SetItems applies a whole batch atomically through the same dirty-marker
// protocol as SetItem, one pass over the cache update instead of one per
// item. Used by the batch pipeline's commit step (spec.md §4.4 step 5).
func (c *Coordinator) SetItems(ctx context.Context, userID, collection string, items []bso.BSO) (float64, error) {
	class := c.cfg.classification(collection)

	if class == Uncached {
		session, err := c.locks.Lock(ctx, userID, collection)
		if err != nil {
			return 0, err
		}
		defer session.Release()
		return c.store.SetItems(ctx, userID, collection, items)
	}

	prevMeta, prevMetaRaw, err := c.markMetadataDirty(ctx, userID)
	if err != nil {
		return 0, err
	}

	session, err := c.locks.Lock(ctx, userID, collection)
	if err != nil {
		return 0, err
	}
	defer session.Release()

	var ts float64
	if class == CacheOnly {
		ts = nowRounded()
	} else {
		ts, err = c.store.SetItems(ctx, userID, collection, items)
		if err != nil {
			// Same rule as SetItem: any step-2 durable-write error rolls
			// the metadata sentinel back rather than leaving it dirty.
			c.restoreMetadata(ctx, userID, prevMetaRaw)
			return 0, err
		}
	}

	for _, item := range items {
		c.updateCacheAfterWrite(ctx, userID, collection, prevMeta, item, store.SetItemResult{Modified: ts})
	}
	return ts, nil
}

func (c *Coordinator) restoreMetadata(ctx context.Context, userID, prevRaw string) {
	if err := c.cache.Set(ctx, metadataKey(userID), prevRaw, c.cfg.ttl()); err != nil {
		c.logger.Warn().Err(err).Str("user", userID).Msg("failed to restore metadata after store error")
	}
}

// updateCacheAfterWrite performs the protocol's final step: the write lock
// is already held, so a blind Set of both the collection entry and the
// cleared metadata is safe from races with any other writer.
func (c *Coordinator) updateCacheAfterWrite(ctx context.Context, userID, collection string, prevMeta Metadata, item bso.BSO, result store.SetItemResult) {
	collRaw, ok, err := c.cache.Get(ctx, collectionKey(userID, collection))
	var cc CachedCollection
	if err == nil && ok {
		_ = json.Unmarshal([]byte(collRaw), &cc)
	}
	item.Modified = result.Modified
	// A Cached collection with no cache entry is left for the next read to
	// rebuild in full from the store; writing just this item would cache a
	// partial copy.
	if ok || c.cfg.classification(collection) == CacheOnly {
		if cc.Items == nil {
			cc.Items = make(map[string]bso.BSO)
		}
		cc.Items[item.ID] = item
		cc.Version++
		if raw, err := encode(cc); err == nil {
			if err := c.cache.Set(ctx, collectionKey(userID, collection), raw, c.cfg.ttl()); err != nil {
				c.logger.Warn().Err(err).Msg("failed to update cached collection")
			}
		}
	}

	if collection == c.cfg.hotCollection() && item.ID == c.cfg.hotItemID() {
		if raw, err := encode(item); err == nil {
			if err := c.cache.Set(ctx, hotItemKey(userID, collection, item.ID), raw, c.cfg.ttl()); err != nil {
				c.logger.Warn().Err(err).Msg("failed to update hot-item cache")
			}
		}
	}

	meta := prevMeta
	if meta.Collections == nil {
		meta.Collections = make(map[string]int64)
	}
	meta.Collections[collection] = int64(result.Modified * 100)
	if result.Created {
		if item.Payload != nil {
			meta.Size += int64(len(*item.Payload))
		}
	}
	meta.Version = prevMeta.Version + 1
	if raw, err := encode(meta); err == nil {
		c.restoreMetadata(ctx, userID, raw)
	}
}

// GetItem reads through the hot-item fast path first, then the
// per-collection cache, falling back to the durable store (and
// repopulating via Add) whenever the cache can't serve the read.
// Cache-only collections never consult the store.
func (c *Coordinator) GetItem(ctx context.Context, userID, collection, id string) (bso.BSO, error) {
	class := c.cfg.classification(collection)

	if collection == c.cfg.hotCollection() && id == c.cfg.hotItemID() {
		if raw, ok, err := c.cache.Get(ctx, hotItemKey(userID, collection, id)); err == nil && ok {
			var item bso.BSO
			if err := json.Unmarshal([]byte(raw), &item); err == nil {
				return item, nil
			}
		}
	}

	if class == Uncached {
		return c.store.GetItem(ctx, userID, collection, id)
	}

	cc, err := c.loadCollection(ctx, userID, collection, class)
	if err != nil {
		return bso.BSO{}, err
	}
	item, ok := cc.Items[id]
	if !ok {
		return bso.BSO{}, synerr.ItemNotFound(collection, id)
	}
	return item, nil
}

func (c *Coordinator) loadCollection(ctx context.Context, userID, collection string, class Classification) (CachedCollection, error) {
	raw, ok, err := c.cache.Get(ctx, collectionKey(userID, collection))
	if err != nil {
		return CachedCollection{}, err
	}
	if ok {
		var cc CachedCollection
		if err := json.Unmarshal([]byte(raw), &cc); err == nil && cc.Version != versionUnknown {
			metrics.CoordinatorCacheHits.WithLabelValues(string(class), "hit").Inc()
			return cc, nil
		}
	}
	metrics.CoordinatorCacheHits.WithLabelValues(string(class), "miss").Inc()
	if class == CacheOnly {
		return CachedCollection{Items: make(map[string]bso.BSO)}, nil
	}

	session, err := c.locks.RLock(ctx, userID, collection)
	if err != nil {
		return CachedCollection{}, err
	}
	defer session.Release()

	page, err := c.store.GetItems(ctx, userID, collection, store.Filters{})
	if err != nil {
		return CachedCollection{}, err
	}
	cc := CachedCollection{Version: 1, Items: make(map[string]bso.BSO, len(page.Items))}
	for _, item := range page.Items {
		cc.Items[item.ID] = item
	}
	if rawOut, err := encode(cc); err == nil {
		if _, err := c.cache.Add(ctx, collectionKey(userID, collection), rawOut, c.cfg.ttl()); err != nil {
			c.logger.Warn().Err(err).Msg("failed to repopulate collection cache")
		}
	}
	return cc, nil
}

// TotalSize returns the user's cached aggregate payload size, forcing a
// recompute when the cached value is stale beyond the configured recalc
// interval, when force is set, or when remaining headroom under ceiling
// drops below the configured threshold.
func (c *Coordinator) TotalSize(ctx context.Context, userID string, ceiling int64, force bool) (int64, error) {
	m, err := c.loadMetadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	stale := time.Since(time.Unix(m.LastSizeRecalc, 0)) > c.cfg.recalcInterval()
	lowHeadroom := ceiling > 0 && ceiling-m.Size < c.cfg.headroomBytes()
	if !force && !stale && !lowHeadroom {
		return m.Size, nil
	}
	rebuilt, err := c.rebuildMetadata(ctx, userID)
	if err != nil {
		return 0, err
	}
	return rebuilt.Size, nil
}

func nowRounded() float64 {
	return float64(time.Now().UnixMilli()) / 1000
}
