// Package protocol is a contract-only adapter: the mapping table from
// spec.md §7 expressed as pure functions and data, with no net/http
// server or routing. An external HTTP layer (out of scope for this
// module) consults this package to translate a *synerr.StorageError into
// a status code and the handful of headers the wire protocol defines.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// Disposition is the result of mapping an error kind to its wire
// treatment: a status code, whether a Retry-After header applies, and
// whether the client may safely retry the request unmodified.
type Disposition struct {
	Status      int
	RetryAfter  bool
	Retryable   bool
	ErrorBody   string // historical {"errors":[{"name":"..."}]} style tag, empty when not applicable
}

// StatusFor maps a storage-kernel error to its HTTP disposition per
// spec.md §7's table. A nil error is not a valid input; callers only call
// this once an operation has actually failed.
func StatusFor(err error) Disposition {
	var se *synerr.StorageError
	if !errors.As(err, &se) {
		return Disposition{Status: http.StatusInternalServerError, Retryable: false}
	}
	switch se.Kind {
	case synerr.KindCollectionNotFound, synerr.KindItemNotFound:
		return Disposition{Status: http.StatusNotFound}
	case synerr.KindConflict:
		return Disposition{Status: http.StatusServiceUnavailable, RetryAfter: true, Retryable: true}
	case synerr.KindInvalidOffset:
		return Disposition{Status: http.StatusBadRequest, ErrorBody: "offset"}
	case synerr.KindOverQuota:
		return Disposition{Status: http.StatusForbidden, ErrorBody: "quota-exceeded"}
	case synerr.KindSizeLimitExceeded:
		return Disposition{Status: http.StatusBadRequest, ErrorBody: "size-limit-exceeded"}
	case synerr.KindInvalidObject:
		return Disposition{Status: http.StatusBadRequest}
	case synerr.KindBackendError:
		return Disposition{Status: http.StatusServiceUnavailable, Retryable: true}
	case synerr.KindPreconditionFailed:
		return Disposition{Status: http.StatusPreconditionFailed}
	case synerr.KindUnsupportedMediaType:
		return Disposition{Status: http.StatusUnsupportedMediaType}
	default:
		return Disposition{Status: http.StatusInternalServerError}
	}
}

// ShouldAutoRetry reports whether the kernel's single automatic retry on
// Conflict should fire: only when the original attempt took under 200ms,
// the signal the kernel surfaces as StorageError.FastPath (spec.md §7:
// "likely a timestamp-resolution race rather than contention").
func ShouldAutoRetry(err error) bool {
	var se *synerr.StorageError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == synerr.KindConflict && se.FastPath
}

// HeaderTimestamp formats a server timestamp for X-Last-Modified, always
// two decimal places regardless of trailing zeros.
func HeaderTimestamp(ts float64) string {
	return fmt.Sprintf("%.2f", ts)
}

// ParsePreconditionHeader parses an X-If-Modified-Since /
// X-If-Unmodified-Since header value into its timestamp.
func ParsePreconditionHeader(value string) (float64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty precondition header")
	}
	ts, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed precondition header %q: %w", value, err)
	}
	return ts, nil
}

// QuotaRemainingHeader formats X-Quota-Remaining in KiB, two decimals, the
// same precision as timestamps.
func QuotaRemainingHeader(kib float64) string {
	return fmt.Sprintf("%.2f", kib)
}
