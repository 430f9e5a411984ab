// Package store implements the Durable Store: authoritative per-user,
// per-collection BSO storage plus collection metadata. The interface is
// modeled as a capability set (spec §9's "abstract base class SyncStorage"),
// the way the cluster service this codebase descends from models its own
// Store interface as a flat capability set over BoltDB.
package store

import (
	"context"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
)

// Sort orders the results of GetItems/GetItemIDs.
type Sort string

const (
	SortNewest Sort = "newest" // descending modified (default)
	SortOldest Sort = "oldest" // ascending modified
	SortIndex  Sort = "index"  // descending sortindex
)

// Filters narrows a GetItems/GetItemIDs/DeleteItems call. All filters
// implicitly exclude expired items.
type Filters struct {
	IDs    []string // exact match, <=100 entries
	Newer  *float64 // strict: modified > Newer
	Older  *float64 // strict: modified < Older
	Limit  int      // 0 means unbounded
	Offset string   // opaque token from a prior call, never parsed by the caller
	Sort   Sort
}

// Page is the result of a paginated read.
type Page struct {
	Items      []bso.BSO
	IDs        []string
	NextOffset string // empty when there is no further page
}

// SetItemResult reports whether a write created a new item or updated one
// that already existed, plus the write's timestamp.
type SetItemResult struct {
	Created  bool
	Modified float64
}

// PurgeResult reports the outcome of one PurgeExpiredItems call.
type PurgeResult struct {
	NumPurged  int
	IsComplete bool
}

// Batch identifies a pending batch upload buffer.
type Batch struct {
	ID         int64 // millisecond creation timestamp
	Collection string
}

// Store is the full capability set of the durable storage kernel. Every
// operation is scoped to a single userID; there is no multi-user query
// surface (spec Non-goals).
type Store interface {
	GetStorageTimestamp(ctx context.Context, userID string) (float64, error)
	GetCollectionTimestamp(ctx context.Context, userID, collection string) (float64, error)
	GetCollectionTimestamps(ctx context.Context, userID string) (map[string]float64, error)
	GetCollectionCounts(ctx context.Context, userID string) (map[string]int, error)
	GetCollectionSizes(ctx context.Context, userID string) (map[string]int64, error)
	GetTotalSize(ctx context.Context, userID string, recalculate bool) (int64, error)

	GetItems(ctx context.Context, userID, collection string, filters Filters) (Page, error)
	GetItemIDs(ctx context.Context, userID, collection string, filters Filters) (Page, error)
	GetItem(ctx context.Context, userID, collection, id string) (bso.BSO, error)
	GetItemTimestamp(ctx context.Context, userID, collection, id string) (float64, error)

	SetItem(ctx context.Context, userID, collection string, item bso.BSO) (SetItemResult, error)
	SetItems(ctx context.Context, userID, collection string, items []bso.BSO) (float64, error)

	DeleteItem(ctx context.Context, userID, collection, id string) (float64, error)
	DeleteItems(ctx context.Context, userID, collection string, filters Filters) (float64, error)
	DeleteCollection(ctx context.Context, userID, collection string) (float64, error)
	DeleteStorage(ctx context.Context, userID string) error

	PurgeExpiredItems(ctx context.Context, graceSeconds int64, maxPerLoop int) (PurgeResult, error)

	CreateBatch(ctx context.Context, userID, collection string) (Batch, error)
	AppendItemsToBatch(ctx context.Context, userID string, b Batch, items []bso.BSO) error
	ApplyBatch(ctx context.Context, userID string, b Batch) (float64, error)
	CloseBatch(ctx context.Context, userID string, b Batch) error
	ValidBatch(ctx context.Context, userID string, b Batch) bool

	Close() error
}
