// Package lock implements the three interchangeable collection-locking
// strategies the storage kernel can run under: row-lock, cache-lock, and
// snapshot. All three satisfy the same Manager interface so the coordinator
// never needs to know which one is in effect.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// Session represents a held lock. Release is idempotent; calling it twice
// is a no-op rather than a panic, matching the teacher's defer-friendly
// resource-cleanup style.
type Session interface {
	ID() uuid.UUID
	Writer() bool
	Release()
	// Upgrade always fails: a held session may not be promoted from read to
	// write in place. Callers must Release and call Lock again.
	Upgrade(ctx context.Context) (Session, error)
}

// Manager acquires per-(userID, collection) locks. RLock grants a shared
// read session; Lock grants an exclusive write session. Neither blocks
// unboundedly — both honor ctx's deadline and return ErrConflict rather
// than wait forever, per spec.md's "any acquisition may fail fast with
// Conflict instead of blocking unbounded".
type Manager interface {
	RLock(ctx context.Context, userID, collection string) (Session, error)
	Lock(ctx context.Context, userID, collection string) (Session, error)
}

// errLockUpgradeNotAllowed surfaces to callers as a plain Conflict: a read
// session may not be upgraded to a write session in place, it must be
// released and a new write session acquired (spec.md: "may not be
// upgraded... must be released first"). The rejection is immediate (no
// wait occurs), so its elapsed time is measured rather than assumed fast.
func errLockUpgradeNotAllowed() error {
	start := time.Now()
	return synerr.ConflictAfter("lock upgrade not allowed, release and reacquire", start)
}
