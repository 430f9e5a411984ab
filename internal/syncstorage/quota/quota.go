// Package quota implements the per-user storage quota accountant: a
// pre-write admission check backed by the Cache Coordinator's lazily
// recomputed size accounting (spec.md §4.5).
package quota

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/coordinator"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/metrics"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/synerr"
)

// lowHeadroomBytes is the "within 1 MiB of the ceiling" threshold spec.md
// §4.5 uses both to force a recompute and to decide whether remaining
// quota is worth advertising to the client.
const lowHeadroomBytes = 1 << 20

// Accountant tracks total bytes per user against an optional hard ceiling.
// A ceiling of 0 means unlimited: CheckAndReserve always succeeds and
// Remaining never advertises a figure.
type Accountant struct {
	coord   *coordinator.Coordinator
	ceiling int64
	logger  zerolog.Logger
}

func New(coord *coordinator.Coordinator, ceilingBytes int64) *Accountant {
	return &Accountant{coord: coord, ceiling: ceilingBytes, logger: log.WithComponent("quota")}
}

// CheckAndReserve fails with ErrOverQuota if adding additionalBytes would
// leave no headroom, before any durable write is attempted. It does not
// itself account for the bytes — the caller's subsequent write, once
// durable, is picked up on the next size recompute.
func (a *Accountant) CheckAndReserve(ctx context.Context, userID string, additionalBytes int64) error {
	if a.ceiling <= 0 {
		return nil
	}
	current, err := a.coord.TotalSize(ctx, userID, a.ceiling, false)
	if err != nil {
		return err
	}
	if a.ceiling-current-additionalBytes <= 0 {
		metrics.QuotaOverLimitTotal.Inc()
		return synerr.OverQuota()
	}
	return nil
}

// Remaining returns the user's remaining quota in KiB, advertised only
// when within 1 MiB of the ceiling to avoid forcing a recompute on every
// request; advertise is false when the figure should not be surfaced to
// the client.
func (a *Accountant) Remaining(ctx context.Context, userID string) (kib float64, advertise bool, err error) {
	if a.ceiling <= 0 {
		return 0, false, nil
	}
	current, err := a.coord.TotalSize(ctx, userID, a.ceiling, false)
	if err != nil {
		return 0, false, err
	}
	remaining := a.ceiling - current
	if remaining >= lowHeadroomBytes {
		return 0, false, nil
	}
	if remaining < lowHeadroomBytes {
		// Recompute from the durable store before advertising a figure
		// that close to the ceiling — the cached value may be stale
		// enough to mislead a client deciding whether to retry.
		metrics.QuotaRecalculationsTotal.Inc()
		current, err = a.coord.TotalSize(ctx, userID, a.ceiling, true)
		if err != nil {
			return 0, false, err
		}
		remaining = a.ceiling - current
	}
	return float64(remaining) / 1024, true, nil
}

// Invalidate forces the next Remaining/CheckAndReserve call to recompute
// from the durable store rather than trust the cached size, the contract
// spec.md §4.5 requires after a delete.
func (a *Accountant) Invalidate(ctx context.Context, userID string) {
	metrics.QuotaRecalculationsTotal.Inc()
	if _, err := a.coord.TotalSize(ctx, userID, a.ceiling, true); err != nil {
		a.logger.Warn().Err(err).Str("user", userID).Msg("failed to recompute size after invalidation")
	}
}
