// BoltStore is the Durable Store implementation, grounded on the teacher
// repo's BoltDB-backed Store (pkg/storage/boltdb.go): one bucket per
// concern, JSON-marshaled values, Update/View closures. It generalizes that
// pattern from a single cluster-state file to N sharded per-user BSO
// databases (spec §4.1 "Sharding across N physical BSO tables keyed by
// userid mod N is permitted... must be transparent to callers").
package store

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

var (
	bucketUserCollections = []byte("user_collections")
	bucketBSO             = []byte("bso")
	bucketBatches         = []byte("batches")
)

// collectionMeta is the value stored in bucketUserCollections.
type collectionMeta struct {
	ID           int     `json:"id"`
	LastModified float64 `json:"last_modified"`
	// LastDeleted persists the timestamp of the most recent delete of this
	// collection even after every item in it is gone, so
	// GetCollectionTimestamp stays monotonic after "implicitly removed when
	// empty" (spec §3's open question, resolved here in favor of
	// persistence — see DESIGN.md).
	LastDeleted float64 `json:"last_deleted"`
	// Exists is false once the collection has no items left but its
	// timestamp is kept around for monotonicity.
	Exists bool `json:"exists"`
}

// storedBSO is the on-disk representation of a bso.BSO: it carries a fully
// resolved absolute TTL rather than the relative seconds a client PUTs.
type storedBSO struct {
	ID          string  `json:"id"`
	Payload     string  `json:"payload"`
	PayloadSize int     `json:"payload_size"`
	SortIndex   *int64  `json:"sortindex,omitempty"`
	TTL         *int64  `json:"ttl,omitempty"`
	TTLAbsolute *int64  `json:"ttl_absolute,omitempty"` // unix seconds, nil = no expiry
	Modified    float64 `json:"modified"`
}

func (s storedBSO) expired(now int64) bool {
	return s.TTLAbsolute != nil && *s.TTLAbsolute <= now
}

func (s storedBSO) toBSO() bso.BSO {
	payload := s.Payload
	return bso.BSO{
		ID:        s.ID,
		Payload:   &payload,
		SortIndex: s.SortIndex,
		TTL:       s.TTL,
		Modified:  s.Modified,
	}
}

type batchRecord struct {
	Collection string    `json:"collection"`
	Items      []bso.BSO `json:"items"`
	CreatedAt  int64     `json:"created_at"` // ms
}

// BoltStore implements Store across N shard files, one *bolt.DB per shard,
// selected deterministically by userID.
type BoltStore struct {
	shards []*bolt.DB
	n      int
	logger zerolog.Logger
}

// NewBoltStore opens (creating if necessary) n shard databases under
// dataDir. n=1 is the common case; n>1 spreads users across independent
// bbolt files the way the spec's non-prescriptive storage layout guidance
// permits.
func NewBoltStore(dataDir string, n int) (*BoltStore, error) {
	if n < 1 {
		n = 1
	}
	shards := make([]*bolt.DB, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dataDir, fmt.Sprintf("syncstorage-%d.db", i))
		db, err := bolt.Open(path, 0600, nil)
		if err != nil {
			for _, opened := range shards[:i] {
				opened.Close()
			}
			return nil, synerr.BackendError(fmt.Errorf("open shard %d: %w", i, err))
		}
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketUserCollections, bucketBSO, bucketBatches} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, synerr.BackendError(fmt.Errorf("init shard %d buckets: %w", i, err))
		}
		shards[i] = db
	}
	return &BoltStore{shards: shards, n: n, logger: log.WithComponent("store")}, nil
}

func (s *BoltStore) shardFor(userID string) *bolt.DB {
	if s.n == 1 {
		return s.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return s.shards[int(h.Sum32())%s.n]
}

func (s *BoltStore) Close() error {
	var firstErr error
	for _, db := range s.shards {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// nowRounded returns the current time as a hundredths-of-a-second
// timestamp, the server-assigned precision spec §3 requires.
func nowRounded() float64 {
	return roundHundredths(float64(time.Now().UnixNano()) / 1e9)
}

func roundHundredths(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// nextTimestamp returns a timestamp strictly greater than current, or a
// Conflict error if the wall clock cannot produce one (spec §4.1: "If the
// wall clock would violate this, the write fails with Conflict"). start is
// when the calling operation began, so the Conflict's FastPath reflects how
// long the operation actually ran rather than assuming it was fast.
func nextTimestamp(current float64, start time.Time) (float64, error) {
	ts := nowRounded()
	if ts <= current {
		return 0, synerr.ConflictAfter("clock has not advanced past collection timestamp", start)
	}
	return ts, nil
}

func collectionKey(userID, collection string) []byte {
	return []byte(userID + ":" + collection)
}

func itemKey(userID, collection, id string) []byte {
	return []byte(userID + ":" + collection + ":" + id)
}

func itemPrefix(userID, collection string) []byte {
	return []byte(userID + ":" + collection + ":")
}

func userPrefix(userID string) []byte {
	return []byte(userID + ":")
}

func splitItemKey(key, prefix []byte) string {
	return string(key[len(prefix):])
}
