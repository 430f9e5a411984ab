package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/bso"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// tick sleeps past the hundredths-of-a-second timestamp granularity so
// consecutive writes in a test are guaranteed a strictly advancing
// collection timestamp rather than racing the Conflict path.
func tick() { time.Sleep(15 * time.Millisecond) }

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewBoltStore(dir, 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func TestSetItemThenGetItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	res, err := s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("hello")})
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Greater(t, res.Modified, 0.0)

	got, err := s.GetItem(ctx, "user1", "bookmarks", "a")
	require.NoError(t, err)
	require.Equal(t, "hello", *got.Payload)
	require.Equal(t, res.Modified, got.Modified)
}

func TestGetItemNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetItem(ctx, "user1", "bookmarks", "missing")
	require.Error(t, err)
	require.True(t, synerr.Is(err, synerr.KindItemNotFound))
}

func TestSetItemPreservesUnmentionedFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	idx := int64(5)
	_, err := s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("v1"), SortIndex: &idx})
	require.NoError(t, err)
	tick()

	_, err = s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("v2")})
	require.NoError(t, err)

	got, err := s.GetItem(ctx, "user1", "bookmarks", "a")
	require.NoError(t, err)
	require.Equal(t, "v2", *got.Payload)
	require.NotNil(t, got.SortIndex)
	require.Equal(t, int64(5), *got.SortIndex)
}

func TestCollectionTimestampAdvancesMonotonically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("1")})
	require.NoError(t, err)
	ts1, err := s.GetCollectionTimestamp(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	tick()

	_, err = s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "b", Payload: strPtr("2")})
	require.NoError(t, err)
	ts2, err := s.GetCollectionTimestamp(ctx, "user1", "bookmarks")
	require.NoError(t, err)

	require.Greater(t, ts2, ts1)
}

func TestGetCollectionTimestampUnknownCollection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetCollectionTimestamp(ctx, "user1", "nope")
	require.True(t, synerr.Is(err, synerr.KindCollectionNotFound))
}

func TestDeleteItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("1")})
	require.NoError(t, err)
	tick()

	_, err = s.DeleteItem(ctx, "user1", "bookmarks", "a")
	require.NoError(t, err)

	_, err = s.GetItem(ctx, "user1", "bookmarks", "a")
	require.True(t, synerr.Is(err, synerr.KindItemNotFound))
}

func TestDeleteCollectionPersistsTimestampForMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("1")})
	require.NoError(t, err)
	tick()

	delTS, err := s.DeleteCollection(ctx, "user1", "bookmarks")
	require.NoError(t, err)

	// Collection no longer appears in the "exists" listing...
	counts, err := s.GetCollectionCounts(ctx, "user1")
	require.NoError(t, err)
	require.NotContains(t, counts, "bookmarks")

	// ...but its timestamp is still retrievable and matches the delete.
	ts, err := s.GetCollectionTimestamp(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	require.Equal(t, delTS, ts)
}

func TestGetItemsPaginationAndSort(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := s.SetItem(ctx, "user1", "history", bso.BSO{ID: id, Payload: strPtr(id)})
		require.NoError(t, err)
		tick()
	}

	page, err := s.GetItems(ctx, "user1", "history", Filters{Limit: 2, Sort: SortOldest})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextOffset)
	require.Equal(t, "a", page.Items[0].ID)
	require.Equal(t, "b", page.Items[1].ID)

	page2, err := s.GetItems(ctx, "user1", "history", Filters{Limit: 2, Sort: SortOldest, Offset: page.NextOffset})
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	require.Empty(t, page2.NextOffset)
	require.Equal(t, "c", page2.Items[0].ID)
	require.Equal(t, "d", page2.Items[1].ID)
}

func TestGetItemsInvalidOffsetToken(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.GetItems(ctx, "user1", "history", Filters{Offset: "not-valid-base64!!"})
	require.True(t, synerr.Is(err, synerr.KindInvalidOffset))
}

func TestBatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b, err := s.CreateBatch(ctx, "user1", "bookmarks")
	require.NoError(t, err)
	require.True(t, s.ValidBatch(ctx, "user1", b))

	err = s.AppendItemsToBatch(ctx, "user1", b, []bso.BSO{
		{ID: "a", Payload: strPtr("1")},
		{ID: "b", Payload: strPtr("2")},
	})
	require.NoError(t, err)

	_, err = s.ApplyBatch(ctx, "user1", b)
	require.NoError(t, err)
	require.False(t, s.ValidBatch(ctx, "user1", b))

	got, err := s.GetItem(ctx, "user1", "bookmarks", "b")
	require.NoError(t, err)
	require.Equal(t, "2", *got.Payload)
}

func TestPurgeExpiredItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ttl := int64(-1) // already-expired relative TTL; stored ttl_absolute in the past
	_, err := s.SetItem(ctx, "user1", "bookmarks", bso.BSO{ID: "a", Payload: strPtr("x"), TTL: &ttl})
	require.NoError(t, err)

	result, err := s.PurgeExpiredItems(ctx, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, result.NumPurged)

	_, err = s.GetItem(ctx, "user1", "bookmarks", "a")
	require.True(t, synerr.Is(err, synerr.KindItemNotFound))
}
