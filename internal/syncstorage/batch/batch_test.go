package batch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/coordinator"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/lock"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/quota"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

func newTestPipeline(t *testing.T, ceiling int64, limits Limits) *Pipeline {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisLayer(client)
	l := lock.NewBoltLock()
	coord := coordinator.New(s, c, l, coordinator.Config{
		Classify: map[string]coordinator.Classification{"bookmarks": coordinator.Cached},
	})
	accountant := quota.New(coord, ceiling)
	return New(coord, accountant, limits)
}

func TestUploadJSONListSuccess(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 0, DefaultLimits)

	body := []byte(`[{"id":"a","payload":"1"},{"id":"b","payload":"2"}]`)
	result, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: ContentTypeJSON, Body: body})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, result.Success)
	require.Empty(t, result.Failed)
	require.Greater(t, result.Modified, 0.0)
}

func TestUploadNewlineDelimited(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 0, DefaultLimits)

	body := []byte("{\"id\":\"a\",\"payload\":\"1\"}\n{\"id\":\"b\",\"payload\":\"2\"}\n")
	result, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: ContentTypeNewlines, Body: body})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, result.Success)
}

func TestUploadUnsupportedContentType(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 0, DefaultLimits)

	_, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: "text/plain", Body: []byte("x")})
	require.Error(t, err)
}

func TestUploadDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 0, DefaultLimits)

	body := []byte(`[{"id":"a","payload":"1"},{"id":"a","payload":"2"}]`)
	result, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: ContentTypeJSON, Body: body})
	require.Error(t, err)
	require.Nil(t, result)
	require.True(t, synerr.Is(err, synerr.KindInvalidObject))
}

func TestUploadOverRecordLimit(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 0, Limits{MaxRecords: 1, MaxBytes: 1 << 20, MaxRequestBytes: 1 << 20, MaxIDsPerQuery: 100})

	body := []byte(`[{"id":"a","payload":"1"},{"id":"b","payload":"2"}]`)
	result, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: ContentTypeJSON, Body: body})
	require.NoError(t, err)
	require.Len(t, result.Success, 1)
	require.Equal(t, "retry bso", result.Failed["b"])
}

func TestUploadOverQuotaFailsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 5, DefaultLimits)

	body := []byte(`[{"id":"a","payload":"0123456789"}]`)
	_, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: ContentTypeJSON, Body: body})
	require.Error(t, err)
}

func TestUploadInvalidBSORecorded(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, 0, DefaultLimits)

	body := []byte(`[{"id":"a","payload":"ok"},{"id":"b","bogus":"x"}]`)
	result, err := p.Upload(ctx, Request{UserID: "user1", Collection: "bookmarks", ContentType: ContentTypeJSON, Body: body})
	require.NoError(t, err)
	require.Contains(t, result.Success, "a")
	require.Contains(t, result.Failed, "b")
}
