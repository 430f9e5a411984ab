package store

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

func getMeta(tx *bolt.Tx, userID, collection string) (collectionMeta, bool, error) {
	raw := tx.Bucket(bucketUserCollections).Get(collectionKey(userID, collection))
	if raw == nil {
		return collectionMeta{}, false, nil
	}
	var m collectionMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return collectionMeta{}, false, err
	}
	return m, true, nil
}

func putMeta(tx *bolt.Tx, userID, collection string, m collectionMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUserCollections).Put(collectionKey(userID, collection), raw)
}

// allCollectionMeta returns every collection row for userID, keyed by
// collection name.
func allCollectionMeta(tx *bolt.Tx, userID string) (map[string]collectionMeta, error) {
	out := make(map[string]collectionMeta)
	prefix := userPrefix(userID)
	c := tx.Bucket(bucketUserCollections).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var m collectionMeta
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, err
		}
		out[splitItemKey(k, prefix)] = m
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *BoltStore) GetStorageTimestamp(ctx context.Context, userID string) (float64, error) {
	db := s.shardFor(userID)
	var max float64
	err := db.View(func(tx *bolt.Tx) error {
		all, err := allCollectionMeta(tx, userID)
		if err != nil {
			return err
		}
		for _, m := range all {
			ts := m.LastModified
			if m.LastDeleted > ts {
				ts = m.LastDeleted
			}
			if ts > max {
				max = ts
			}
		}
		return nil
	})
	if err != nil {
		return 0, synerr.BackendError(err)
	}
	return max, nil
}

func (s *BoltStore) GetCollectionTimestamp(ctx context.Context, userID, collection string) (float64, error) {
	db := s.shardFor(userID)
	var ts float64
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		m, ok, err := getMeta(tx, userID, collection)
		if err != nil {
			return err
		}
		found = ok
		if ok {
			ts = m.LastModified
			if m.LastDeleted > ts {
				ts = m.LastDeleted
			}
		}
		return nil
	})
	if err != nil {
		return 0, synerr.BackendError(err)
	}
	if !found {
		return 0, synerr.CollectionNotFound(collection)
	}
	return ts, nil
}

func (s *BoltStore) GetCollectionTimestamps(ctx context.Context, userID string) (map[string]float64, error) {
	db := s.shardFor(userID)
	out := make(map[string]float64)
	err := db.View(func(tx *bolt.Tx) error {
		all, err := allCollectionMeta(tx, userID)
		if err != nil {
			return err
		}
		for name, m := range all {
			if !m.Exists {
				continue
			}
			ts := m.LastModified
			if m.LastDeleted > ts {
				ts = m.LastDeleted
			}
			out[name] = ts
		}
		return nil
	})
	if err != nil {
		return nil, synerr.BackendError(err)
	}
	return out, nil
}

func (s *BoltStore) GetCollectionCounts(ctx context.Context, userID string) (map[string]int, error) {
	db := s.shardFor(userID)
	out := make(map[string]int)
	err := db.View(func(tx *bolt.Tx) error {
		all, err := allCollectionMeta(tx, userID)
		if err != nil {
			return err
		}
		for name, m := range all {
			if !m.Exists {
				continue
			}
			items, err := s.scanCollection(tx, userID, name)
			if err != nil {
				return err
			}
			out[name] = len(items)
		}
		return nil
	})
	if err != nil {
		return nil, synerr.BackendError(err)
	}
	return out, nil
}

func (s *BoltStore) GetCollectionSizes(ctx context.Context, userID string) (map[string]int64, error) {
	db := s.shardFor(userID)
	out := make(map[string]int64)
	err := db.View(func(tx *bolt.Tx) error {
		all, err := allCollectionMeta(tx, userID)
		if err != nil {
			return err
		}
		for name, m := range all {
			if !m.Exists {
				continue
			}
			items, err := s.scanCollection(tx, userID, name)
			if err != nil {
				return err
			}
			var total int64
			for _, it := range items {
				total += int64(it.PayloadSize)
			}
			out[name] = total
		}
		return nil
	})
	if err != nil {
		return nil, synerr.BackendError(err)
	}
	return out, nil
}

func (s *BoltStore) GetTotalSize(ctx context.Context, userID string, recalculate bool) (int64, error) {
	sizes, err := s.GetCollectionSizes(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, sz := range sizes {
		total += sz
	}
	return total, nil
}

func (s *BoltStore) DeleteCollection(ctx context.Context, userID, collection string) (float64, error) {
	start := time.Now()
	db := s.shardFor(userID)
	var ts float64
	err := db.Update(func(tx *bolt.Tx) error {
		m, ok, err := getMeta(tx, userID, collection)
		if !ok {
			// Deleting a non-existent collection is not an error; return
			// the storage timestamp unchanged (spec §4.1).
			ts, err = s.storageTimestampTx(tx, userID)
			return err
		}
		if err != nil {
			return err
		}
		prefix := itemPrefix(userID, collection)
		c := tx.Bucket(bucketBSO).Cursor()
		var keysToDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keysToDelete = append(keysToDelete, key)
		}
		newTS, err := nextTimestamp(m.LastModified, start)
		if err != nil {
			return err
		}
		for _, k := range keysToDelete {
			if err := tx.Bucket(bucketBSO).Delete(k); err != nil {
				return err
			}
		}
		m.LastModified = newTS
		m.LastDeleted = newTS
		m.Exists = false
		if err := putMeta(tx, userID, collection, m); err != nil {
			return err
		}
		ts = newTS
		return nil
	})
	if err != nil {
		if synerr.Is(err, synerr.KindConflict) {
			return 0, err
		}
		return 0, synerr.BackendError(err)
	}
	return ts, nil
}

func (s *BoltStore) storageTimestampTx(tx *bolt.Tx, userID string) (float64, error) {
	all, err := allCollectionMeta(tx, userID)
	if err != nil {
		return 0, err
	}
	var max float64
	for _, m := range all {
		ts := m.LastModified
		if m.LastDeleted > ts {
			ts = m.LastDeleted
		}
		if ts > max {
			max = ts
		}
	}
	return max, nil
}

func (s *BoltStore) DeleteStorage(ctx context.Context, userID string) error {
	start := time.Now()
	db := s.shardFor(userID)
	return db.Update(func(tx *bolt.Tx) error {
		prefix := userPrefix(userID)

		deleteByPrefix := func(bucket []byte) error {
			b := tx.Bucket(bucket)
			c := b.Cursor()
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
				key := make([]byte, len(k))
				copy(key, k)
				keys = append(keys, key)
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}

		all, err := allCollectionMeta(tx, userID)
		if err != nil {
			return err
		}
		ts, err := s.storageTimestampTx(tx, userID)
		if err != nil {
			return err
		}
		newTS, err := nextTimestamp(ts, start)
		if err != nil {
			return err
		}

		if err := deleteByPrefix(bucketBSO); err != nil {
			return err
		}
		if err := deleteByPrefix(bucketBatches); err != nil {
			return err
		}
		// Reset each known collection's state but keep the timestamp
		// advancing for monotonicity (spec §3: "Deleting all user data
		// resets per-collection state but advances the storage timestamp").
		for name, m := range all {
			m.LastModified = newTS
			m.LastDeleted = newTS
			m.Exists = false
			if err := putMeta(tx, userID, name, m); err != nil {
				return err
			}
		}
		return nil
	})
}
