// Package synerr defines the structured error kinds raised by the storage
// kernel. Callers are expected to inspect the kind with errors.Is/errors.As
// rather than matching on string messages.
package synerr

import (
	"errors"
	"fmt"
	"time"
)

// FastPathThreshold is the elapsed-time cutoff spec §7 uses to decide
// whether a Conflict is "likely a timestamp-resolution race rather than
// contention": an operation that raised Conflict after running for less
// than this is safe for the caller to retry once automatically.
const FastPathThreshold = 200 * time.Millisecond

// Kind identifies the disposition an error should receive once it reaches
// the (out-of-scope) HTTP layer. See spec §7.
type Kind string

const (
	KindCollectionNotFound   Kind = "collection_not_found"
	KindItemNotFound         Kind = "item_not_found"
	KindConflict             Kind = "conflict"
	KindInvalidOffset        Kind = "invalid_offset"
	KindOverQuota            Kind = "over_quota"
	KindSizeLimitExceeded    Kind = "size_limit_exceeded"
	KindInvalidObject        Kind = "invalid_object"
	KindBackendError         Kind = "backend_error"
	KindPreconditionFailed   Kind = "precondition_failed"
	KindUnsupportedMediaType Kind = "unsupported_media_type"
)

// StorageError is the single error type the kernel raises. It never carries
// a kind not listed above.
type StorageError struct {
	Kind Kind
	// Msg is a short, human-readable detail; never shown verbatim to
	// untrusted clients by callers without review.
	Msg string
	// FastPath indicates the operation that produced a Conflict took under
	// FastPathThreshold to run (measured, not assumed), which callers may
	// use to decide on an automatic retry (spec §7). Meaningless for other
	// kinds. Set via Conflict/ConflictAfter; never hardcode true "by
	// default" at a new call site without actually timing the operation.
	FastPath bool
	// LastModified is populated for PreconditionFailed so callers can set
	// X-Last-Modified without a second lookup.
	LastModified float64
	cause        error
}

func (e *StorageError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *StorageError) Unwrap() error {
	return e.cause
}

func New(kind Kind, msg string) *StorageError {
	return &StorageError{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *StorageError {
	return &StorageError{Kind: kind, Msg: msg, cause: cause}
}

func Is(err error, kind Kind) bool {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// CollectionNotFound, ItemNotFound, Conflict, etc. are convenience
// constructors matching the kind names used throughout the kernel.

func CollectionNotFound(collection string) *StorageError {
	return New(KindCollectionNotFound, fmt.Sprintf("collection %q not found", collection))
}

func ItemNotFound(collection, id string) *StorageError {
	return New(KindItemNotFound, fmt.Sprintf("item %q not found in %q", id, collection))
}

func Conflict(msg string, fastPath bool) *StorageError {
	return &StorageError{Kind: KindConflict, Msg: msg, FastPath: fastPath}
}

// ConflictAfter builds a Conflict whose FastPath is derived from how long
// the operation has actually been running, measured from start to now,
// against FastPathThreshold — the real elapsed-time measurement spec §7
// calls for rather than a hardcoded guess.
func ConflictAfter(msg string, start time.Time) *StorageError {
	return Conflict(msg, time.Since(start) < FastPathThreshold)
}

func InvalidOffset(msg string) *StorageError {
	return New(KindInvalidOffset, msg)
}

func OverQuota() *StorageError {
	return New(KindOverQuota, "quota-exceeded")
}

func SizeLimitExceeded(msg string) *StorageError {
	return New(KindSizeLimitExceeded, msg)
}

func InvalidObject(msg string) *StorageError {
	return New(KindInvalidObject, msg)
}

func BackendError(cause error) *StorageError {
	return Wrap(KindBackendError, "backend unavailable", cause)
}

func PreconditionFailed(lastModified float64) *StorageError {
	return &StorageError{Kind: KindPreconditionFailed, LastModified: lastModified}
}

func UnsupportedMediaType(contentType string) *StorageError {
	return New(KindUnsupportedMediaType, fmt.Sprintf("unsupported content type %q", contentType))
}
