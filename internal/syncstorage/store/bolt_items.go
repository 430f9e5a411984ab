package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// scanCollection returns every non-expired item in collection, in no
// particular order; callers sort and page as needed. Grounded on the
// teacher's ForEach-over-a-bucket-with-prefix pattern (pkg/storage/boltdb.go),
// generalized from a full-bucket scan to a per-user-collection prefix scan.
func (s *BoltStore) scanCollection(tx *bolt.Tx, userID, collection string) ([]storedBSO, error) {
	prefix := itemPrefix(userID, collection)
	now := time.Now().Unix()
	var out []storedBSO
	c := tx.Bucket(bucketBSO).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var sb storedBSO
		if err := json.Unmarshal(v, &sb); err != nil {
			return nil, err
		}
		if sb.expired(now) {
			continue
		}
		out = append(out, sb)
	}
	return out, nil
}

func applyFilters(items []storedBSO, f Filters) []storedBSO {
	if len(f.IDs) > 0 {
		want := make(map[string]bool, len(f.IDs))
		for _, id := range f.IDs {
			want[id] = true
		}
		filtered := items[:0:0]
		for _, it := range items {
			if want[it.ID] {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if f.Newer != nil {
		filtered := items[:0:0]
		for _, it := range items {
			if it.Modified > *f.Newer {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if f.Older != nil {
		filtered := items[:0:0]
		for _, it := range items {
			if it.Modified < *f.Older {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	return items
}

func sortItems(items []storedBSO, s Sort) {
	switch s {
	case SortOldest:
		sort.Slice(items, func(i, j int) bool {
			if items[i].Modified != items[j].Modified {
				return items[i].Modified < items[j].Modified
			}
			return items[i].ID < items[j].ID
		})
	case SortIndex:
		sort.Slice(items, func(i, j int) bool {
			si, sj := int64(0), int64(0)
			if items[i].SortIndex != nil {
				si = *items[i].SortIndex
			}
			if items[j].SortIndex != nil {
				sj = *items[j].SortIndex
			}
			if si != sj {
				return si > sj
			}
			return items[i].ID < items[j].ID
		})
	default: // SortNewest
		sort.Slice(items, func(i, j int) bool {
			if items[i].Modified != items[j].Modified {
				return items[i].Modified > items[j].Modified
			}
			return items[i].ID < items[j].ID
		})
	}
}

// encodeOffset/decodeOffset implement the opaque pagination token the Store
// interface promises callers never parse: it's just a base64-encoded row
// index into the already-sorted result set.
func encodeOffset(n int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(n)))
}

func decodeOffset(tok string) (int, error) {
	if tok == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return 0, synerr.InvalidOffset("malformed offset token")
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil || n < 0 {
		return 0, synerr.InvalidOffset("malformed offset token")
	}
	return n, nil
}

func (s *BoltStore) page(items []storedBSO, f Filters) (start, end int, next string, err error) {
	start, err = decodeOffset(f.Offset)
	if err != nil {
		return 0, 0, "", err
	}
	if start > len(items) {
		start = len(items)
	}
	end = len(items)
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
		next = encodeOffset(end)
	}
	return start, end, next, nil
}

func (s *BoltStore) GetItems(ctx context.Context, userID, collection string, filters Filters) (Page, error) {
	db := s.shardFor(userID)
	var page Page
	err := db.View(func(tx *bolt.Tx) error {
		items, err := s.scanCollection(tx, userID, collection)
		if err != nil {
			return err
		}
		items = applyFilters(items, filters)
		sortItems(items, filters.Sort)
		start, end, next, err := s.page(items, filters)
		if err != nil {
			return err
		}
		page.Items = make([]bso.BSO, 0, end-start)
		for _, it := range items[start:end] {
			page.Items = append(page.Items, it.toBSO())
		}
		page.NextOffset = next
		return nil
	})
	if err != nil {
		if synerr.Is(err, synerr.KindInvalidOffset) {
			return Page{}, err
		}
		return Page{}, synerr.BackendError(err)
	}
	return page, nil
}

func (s *BoltStore) GetItemIDs(ctx context.Context, userID, collection string, filters Filters) (Page, error) {
	db := s.shardFor(userID)
	var page Page
	err := db.View(func(tx *bolt.Tx) error {
		items, err := s.scanCollection(tx, userID, collection)
		if err != nil {
			return err
		}
		items = applyFilters(items, filters)
		sortItems(items, filters.Sort)
		start, end, next, err := s.page(items, filters)
		if err != nil {
			return err
		}
		page.IDs = make([]string, 0, end-start)
		for _, it := range items[start:end] {
			page.IDs = append(page.IDs, it.ID)
		}
		page.NextOffset = next
		return nil
	})
	if err != nil {
		if synerr.Is(err, synerr.KindInvalidOffset) {
			return Page{}, err
		}
		return Page{}, synerr.BackendError(err)
	}
	return page, nil
}

func (s *BoltStore) GetItem(ctx context.Context, userID, collection, id string) (bso.BSO, error) {
	db := s.shardFor(userID)
	var found *storedBSO
	err := db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBSO).Get(itemKey(userID, collection, id))
		if raw == nil {
			return nil
		}
		var sb storedBSO
		if err := json.Unmarshal(raw, &sb); err != nil {
			return err
		}
		if sb.expired(time.Now().Unix()) {
			return nil
		}
		found = &sb
		return nil
	})
	if err != nil {
		return bso.BSO{}, synerr.BackendError(err)
	}
	if found == nil {
		return bso.BSO{}, synerr.ItemNotFound(collection, id)
	}
	return found.toBSO(), nil
}

func (s *BoltStore) GetItemTimestamp(ctx context.Context, userID, collection, id string) (float64, error) {
	item, err := s.GetItem(ctx, userID, collection, id)
	if err != nil {
		return 0, err
	}
	return item.Modified, nil
}

// putItem writes item into collection within an already-open write
// transaction, bumping the collection's metadata timestamp. Returns whether
// the item was newly created.
func (s *BoltStore) putItem(tx *bolt.Tx, userID, collection string, item bso.BSO, ts float64) (bool, error) {
	key := itemKey(userID, collection, item.ID)
	created := tx.Bucket(bucketBSO).Get(key) == nil

	var payload string
	var size int
	if item.Payload != nil {
		payload = *item.Payload
		size = len(payload)
	}
	var ttlAbs *int64
	if item.TTL != nil {
		abs := time.Now().Unix() + *item.TTL
		ttlAbs = &abs
	}
	sb := storedBSO{
		ID:          item.ID,
		Payload:     payload,
		PayloadSize: size,
		SortIndex:   item.SortIndex,
		TTL:         item.TTL,
		TTLAbsolute: ttlAbs,
		Modified:    ts,
	}
	// Preserve fields the caller didn't mention when updating an existing
	// item (PATCH semantics, spec §3).
	if !created {
		raw := tx.Bucket(bucketBSO).Get(key)
		var prev storedBSO
		if err := json.Unmarshal(raw, &prev); err != nil {
			return false, err
		}
		if item.Payload == nil {
			sb.Payload = prev.Payload
			sb.PayloadSize = prev.PayloadSize
		}
		if item.SortIndex == nil {
			sb.SortIndex = prev.SortIndex
		}
		if item.TTL == nil {
			sb.TTL = prev.TTL
			sb.TTLAbsolute = prev.TTLAbsolute
		}
	}
	raw, err := json.Marshal(sb)
	if err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketBSO).Put(key, raw); err != nil {
		return false, err
	}
	return created, nil
}

func (s *BoltStore) SetItem(ctx context.Context, userID, collection string, item bso.BSO) (SetItemResult, error) {
	start := time.Now()
	db := s.shardFor(userID)
	var result SetItemResult
	err := db.Update(func(tx *bolt.Tx) error {
		m, _, err := getMeta(tx, userID, collection)
		if err != nil {
			return err
		}
		ts, err := nextTimestamp(m.LastModified, start)
		if err != nil {
			return err
		}
		created, err := s.putItem(tx, userID, collection, item, ts)
		if err != nil {
			return err
		}
		m.LastModified = ts
		m.Exists = true
		if m.ID == 0 {
			if id, ok := names.IDFor(collection); ok {
				m.ID = id
			}
		}
		if err := putMeta(tx, userID, collection, m); err != nil {
			return err
		}
		result = SetItemResult{Created: created, Modified: ts}
		return nil
	})
	if err != nil {
		if synerr.Is(err, synerr.KindConflict) {
			return SetItemResult{}, err
		}
		return SetItemResult{}, synerr.BackendError(err)
	}
	return result, nil
}

func (s *BoltStore) SetItems(ctx context.Context, userID, collection string, items []bso.BSO) (float64, error) {
	start := time.Now()
	db := s.shardFor(userID)
	var ts float64
	err := db.Update(func(tx *bolt.Tx) error {
		m, _, err := getMeta(tx, userID, collection)
		if err != nil {
			return err
		}
		newTS, err := nextTimestamp(m.LastModified, start)
		if err != nil {
			return err
		}
		for _, item := range items {
			if _, err := s.putItem(tx, userID, collection, item, newTS); err != nil {
				return err
			}
		}
		m.LastModified = newTS
		m.Exists = true
		if m.ID == 0 {
			if id, ok := names.IDFor(collection); ok {
				m.ID = id
			}
		}
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

func (s *BoltStore) DeleteItem(ctx context.Context, userID, collection, id string) (float64, error) {
	start := time.Now()
	db := s.shardFor(userID)
	var ts float64
	err := db.Update(func(tx *bolt.Tx) error {
		key := itemKey(userID, collection, id)
		if tx.Bucket(bucketBSO).Get(key) == nil {
			return synerr.ItemNotFound(collection, id)
		}
		m, _, err := getMeta(tx, userID, collection)
		if err != nil {
			return err
		}
		newTS, err := nextTimestamp(m.LastModified, start)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBSO).Delete(key); err != nil {
			return err
		}
		m.LastModified = newTS
		if err := putMeta(tx, userID, collection, m); err != nil {
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

func (s *BoltStore) DeleteItems(ctx context.Context, userID, collection string, filters Filters) (float64, error) {
	start := time.Now()
	db := s.shardFor(userID)
	var ts float64
	err := db.Update(func(tx *bolt.Tx) error {
		items, err := s.scanCollection(tx, userID, collection)
		if err != nil {
			return err
		}
		items = applyFilters(items, filters)
		m, _, err := getMeta(tx, userID, collection)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			ts = m.LastModified
			return nil
		}
		newTS, err := nextTimestamp(m.LastModified, start)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := tx.Bucket(bucketBSO).Delete(itemKey(userID, collection, it.ID)); err != nil {
				return err
			}
		}
		m.LastModified = newTS
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
