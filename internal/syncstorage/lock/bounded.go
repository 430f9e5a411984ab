package lock

import (
	"context"
	"time"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/metrics"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// acquirePoll is how often a bounded acquisition retries a non-blocking
// try-lock before re-checking ctx. Short enough that a context deadline of
// even a few milliseconds is honored reasonably precisely.
const acquirePoll = 2 * time.Millisecond

// acquireBounded retries try() until it succeeds or ctx is done, at which
// point it returns ErrConflict rather than blocking unbounded (spec.md:
// "any acquisition may fail fast with Conflict instead of blocking
// unbounded"). mode/kind label the wait-time observation ("row"/"cache",
// "read"/"write") so LockWaitDuration can be broken down by lock mode.
func acquireBounded(ctx context.Context, mode, kind string, try func() bool) error {
	start := time.Now()
	defer func() {
		metrics.LockWaitDuration.WithLabelValues(mode, kind).Observe(time.Since(start).Seconds())
	}()
	if try() {
		return nil
	}
	ticker := time.NewTicker(acquirePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return synerr.ConflictAfter("lock acquisition timed out", start)
		case <-ticker.C:
			if try() {
				return nil
			}
		}
	}
}
