package store

import (
	"sync"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
)

// wellKnownCollections mirrors the small fixed set of reserved collection
// ids (1-99) spec §3 describes. User-created collections allocate ids
// starting at 100.
var wellKnownCollections = map[string]int{
	"clients":   1,
	"crypto":    2,
	"keys":      3,
	"meta":      4,
	"bookmarks": 5,
	"history":   6,
	"forms":     7,
	"prefs":     8,
	"tabs":      9,
	"passwords": 10,
	"addons":    11,
	"reserved":  100,
}

// maxNameCacheEntries bounds the process-wide collection-name lookup cache
// (spec §5 "Module-level state ... size-capped; additions beyond 1000 are
// refused with a warning").
const maxNameCacheEntries = 1000

// nameRegistry is the module-level collection-name <-> id lookup cache.
// It is intentionally process-wide rather than per-Store: many Store
// instances (one per shard) share the same id space, exactly as the
// cluster service this codebase descends from keeps a single
// module-level connection pool and health-status cache rather than one
// per component instance.
type nameRegistry struct {
	mu       sync.Mutex
	byName   map[string]int
	nextFree int
}

var names = newNameRegistry()

func newNameRegistry() *nameRegistry {
	r := &nameRegistry{
		byName:   make(map[string]int, len(wellKnownCollections)),
		nextFree: 100,
	}
	for name, id := range wellKnownCollections {
		r.byName[name] = id
		if id >= r.nextFree {
			r.nextFree = id + 1
		}
	}
	return r
}

// IDFor returns the id for name, allocating one if name has never been seen
// before. Once the cache reaches maxNameCacheEntries it refuses further
// growth and returns the zero id with ok=false; callers still persist the
// collection keyed by name, only the optional numeric id is unavailable.
func (r *nameRegistry) IDFor(name string) (id int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, found := r.byName[name]; found {
		return id, true
	}
	if len(r.byName) >= maxNameCacheEntries {
		log.WithComponent("store").Warn().
			Str("collection", name).
			Int("cache_size", len(r.byName)).
			Msg("collection name cache full, refusing to allocate a new id")
		return 0, false
	}
	id = r.nextFree
	r.nextFree++
	r.byName[name] = id
	return id, true
}
