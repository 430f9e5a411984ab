package protocol

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

func TestStatusForMapsEveryKind(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{synerr.CollectionNotFound("bookmarks"), http.StatusNotFound},
		{synerr.ItemNotFound("bookmarks", "a"), http.StatusNotFound},
		{synerr.Conflict("x", true), http.StatusServiceUnavailable},
		{synerr.InvalidOffset("bad"), http.StatusBadRequest},
		{synerr.OverQuota(), http.StatusForbidden},
		{synerr.SizeLimitExceeded("too big"), http.StatusBadRequest},
		{synerr.InvalidObject("bad field"), http.StatusBadRequest},
		{synerr.BackendError(nil), http.StatusServiceUnavailable},
		{synerr.PreconditionFailed(12.3), http.StatusPreconditionFailed},
		{synerr.UnsupportedMediaType("text/plain"), http.StatusUnsupportedMediaType},
	}
	for _, c := range cases {
		d := StatusFor(c.err)
		require.Equal(t, c.status, d.Status, "kind %v", c.err)
	}
}

func TestConflictCarriesRetryAfter(t *testing.T) {
	d := StatusFor(synerr.Conflict("x", true))
	require.True(t, d.RetryAfter)
	require.True(t, d.Retryable)
}

func TestBackendErrorHasNoRetryAfter(t *testing.T) {
	d := StatusFor(synerr.BackendError(nil))
	require.False(t, d.RetryAfter)
	require.True(t, d.Retryable)
}

func TestShouldAutoRetryOnlyFastConflict(t *testing.T) {
	require.True(t, ShouldAutoRetry(synerr.Conflict("x", true)))
	require.False(t, ShouldAutoRetry(synerr.Conflict("x", false)))
	require.False(t, ShouldAutoRetry(synerr.ItemNotFound("c", "i")))
}

func TestHeaderTimestampFormat(t *testing.T) {
	require.Equal(t, "1234.50", HeaderTimestamp(1234.5))
	require.Equal(t, "0.00", HeaderTimestamp(0))
}

func TestParsePreconditionHeader(t *testing.T) {
	ts, err := ParsePreconditionHeader("1234.56")
	require.NoError(t, err)
	require.Equal(t, 1234.56, ts)

	_, err = ParsePreconditionHeader("not-a-number")
	require.Error(t, err)

	_, err = ParsePreconditionHeader("")
	require.Error(t, err)
}
