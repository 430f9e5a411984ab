package coordinator

import (
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
)

// Classification determines how a collection interacts with the cache
// layer, mirroring the original server's per-collection cache policy
// ("used historically for tabs").
type Classification string

const (
	// Uncached collections are read and written straight through to the
	// durable store; the cache layer never sees them.
	Uncached Classification = "uncached"
	// Cached collections are durable-store-backed but mirrored in the
	// cache for fast reads, kept coherent via the dirty-marker protocol.
	Cached Classification = "cached"
	// CacheOnly collections (tabs) live in the cache exclusively; the
	// durable store is never consulted for them.
	CacheOnly Classification = "cache-only"
)

// versionUnknown is the dirty-marker sentinel: a metadata or collection
// cache entry carrying this version is mid-write or otherwise untrustworthy
// and readers must fall through to the durable store.
const versionUnknown int64 = -1

// Metadata is the per-user cache entry tracking aggregate size and each
// collection's cached version.
type Metadata struct {
	Size           int64            `json:"size"`
	LastSizeRecalc int64            `json:"last_size_recalc"` // unix seconds
	Version        int64            `json:"version"`
	Collections    map[string]int64 `json:"collections"`
}

// CachedCollection is the per-(user, collection) cache entry holding a
// full materialized copy of the collection's items.
type CachedCollection struct {
	Version int64            `json:"version"`
	Items   map[string]bso.BSO `json:"items"`
}
