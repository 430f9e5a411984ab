package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// batchStaleAfter is how long an opened batch may sit unapplied before the
// reaper considers its buffer abandoned and purges it (spec §9, supplemented
// from the original's two-hour batch expiry).
const batchStaleAfter = 2 * time.Hour

func batchKey(userID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s:%d", userID, id))
}

func (s *BoltStore) CreateBatch(ctx context.Context, userID, collection string) (Batch, error) {
	db := s.shardFor(userID)
	id := time.Now().UnixMilli()
	rec := batchRecord{Collection: collection, CreatedAt: id}
	err := db.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBatches).Put(batchKey(userID, id), raw)
	})
	if err != nil {
		return Batch{}, synerr.BackendError(err)
	}
	return Batch{ID: id, Collection: collection}, nil
}

func (s *BoltStore) loadBatch(tx *bolt.Tx, userID string, b Batch) (batchRecord, bool, error) {
	raw := tx.Bucket(bucketBatches).Get(batchKey(userID, b.ID))
	if raw == nil {
		return batchRecord{}, false, nil
	}
	var rec batchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return batchRecord{}, false, err
	}
	return rec, true, nil
}

func (s *BoltStore) AppendItemsToBatch(ctx context.Context, userID string, b Batch, items []bso.BSO) error {
	db := s.shardFor(userID)
	return db.Update(func(tx *bolt.Tx) error {
		rec, ok, err := s.loadBatch(tx, userID, b)
		if err != nil {
			return err
		}
		if !ok {
			return synerr.New(synerr.KindItemNotFound, "batch not found or already applied")
		}
		rec.Items = append(rec.Items, items...)
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBatches).Put(batchKey(userID, b.ID), raw)
	})
}

func (s *BoltStore) ValidBatch(ctx context.Context, userID string, b Batch) bool {
	db := s.shardFor(userID)
	var valid bool
	_ = db.View(func(tx *bolt.Tx) error {
		_, ok, err := s.loadBatch(tx, userID, b)
		valid = ok && err == nil
		return nil
	})
	return valid
}

// ApplyBatch commits every item buffered in b as a single atomic SetItems
// write, then deletes the batch buffer.
func (s *BoltStore) ApplyBatch(ctx context.Context, userID string, b Batch) (float64, error) {
	start := time.Now()
	db := s.shardFor(userID)
	var ts float64
	err := db.Update(func(tx *bolt.Tx) error {
		rec, ok, err := s.loadBatch(tx, userID, b)
		if err != nil {
			return err
		}
		if !ok {
			return synerr.New(synerr.KindItemNotFound, "batch not found or already applied")
		}
		m, _, err := getMeta(tx, userID, rec.Collection)
		if err != nil {
			return err
		}
		newTS, err := nextTimestamp(m.LastModified, start)
		if err != nil {
			return err
		}
		for _, item := range rec.Items {
			if _, err := s.putItem(tx, userID, rec.Collection, item, newTS); err != nil {
				return err
			}
		}
		m.LastModified = newTS
		m.Exists = true
		if m.ID == 0 {
			if id, ok := names.IDFor(rec.Collection); ok {
				m.ID = id
			}
		}
		if err := putMeta(tx, userID, rec.Collection, m); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBatches).Delete(batchKey(userID, b.ID)); err != nil {
			return err
		}
		ts = newTS
		return nil
	})
	if err != nil {
		if synerr.Is(err, synerr.KindConflict) || synerr.Is(err, synerr.KindItemNotFound) {
			return 0, err
		}
		return 0, synerr.BackendError(err)
	}
	return ts, nil
}

func (s *BoltStore) CloseBatch(ctx context.Context, userID string, b Batch) error {
	db := s.shardFor(userID)
	err := db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatches).Delete(batchKey(userID, b.ID))
	})
	if err != nil {
		return synerr.BackendError(err)
	}
	return nil
}

// PurgeExpiredItems sweeps every shard for BSO rows past their TTL and
// batch buffers older than batchStaleAfter, deleting up to maxPerLoop rows
// per shard per call so one invocation never holds a write transaction open
// indefinitely. Modeled on the teacher's reconciler.go loop: log and
// continue past a per-shard error rather than aborting the whole sweep.
func (s *BoltStore) PurgeExpiredItems(ctx context.Context, graceSeconds int64, maxPerLoop int) (PurgeResult, error) {
	cutoff := time.Now().Unix() - graceSeconds
	batchCutoff := time.Now().Add(-batchStaleAfter).UnixMilli()
	var total PurgeResult
	complete := true

	for _, db := range s.shards {
		err := db.Update(func(tx *bolt.Tx) error {
			purged := 0

			bc := tx.Bucket(bucketBSO).Cursor()
			var staleKeys [][]byte
			for k, v := bc.First(); k != nil; k, v = bc.Next() {
				if maxPerLoop > 0 && purged >= maxPerLoop {
					complete = false
					break
				}
				var sb storedBSO
				if err := json.Unmarshal(v, &sb); err != nil {
					continue
				}
				if sb.TTLAbsolute != nil && *sb.TTLAbsolute <= cutoff {
					key := make([]byte, len(k))
					copy(key, k)
					staleKeys = append(staleKeys, key)
					purged++
				}
			}
			for _, k := range staleKeys {
				if err := tx.Bucket(bucketBSO).Delete(k); err != nil {
					return err
				}
			}

			batchC := tx.Bucket(bucketBatches).Cursor()
			var staleBatches [][]byte
			for k, v := batchC.First(); k != nil; k, v = batchC.Next() {
				var rec batchRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					continue
				}
				if rec.CreatedAt <= batchCutoff {
					key := make([]byte, len(k))
					copy(key, k)
					staleBatches = append(staleBatches, key)
				}
			}
			for _, k := range staleBatches {
				if err := tx.Bucket(bucketBatches).Delete(k); err != nil {
					return err
				}
			}

			total.NumPurged += purged
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("purge sweep failed for shard, continuing")
			complete = false
			continue
		}
	}
	total.IsComplete = complete
	return total, nil
}
