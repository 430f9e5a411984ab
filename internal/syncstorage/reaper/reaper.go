// Package reaper implements the background TTL sweep: periodically calls
// PurgeExpiredItems against every configured backend. Modeled directly on
// the teacher's reconciler.go Start/Stop/run ticker loop.
package reaper

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/metrics"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
)

// Config carries the reaper's tunables, defaults matching spec.md §4.6.
type Config struct {
	GraceSeconds       int64
	MaxPerLoop         int
	PurgeInterval      time.Duration // default 1h, time between full passes
	InterBackendSleep  time.Duration // default 6m, pause between backends within a pass
}

func (c Config) withDefaults() Config {
	if c.PurgeInterval == 0 {
		c.PurgeInterval = time.Hour
	}
	if c.InterBackendSleep == 0 {
		c.InterBackendSleep = 6 * time.Minute
	}
	if c.GraceSeconds == 0 {
		c.GraceSeconds = 86400
	}
	return c
}

// Reaper sweeps a fixed set of backends on a loop. Grounded on
// pkg/reconciler/reconciler.go: a mutex-guarded stop channel, a single
// background goroutine selecting on a ticker vs the stop channel, and a
// per-backend error that's logged and does not interrupt the pass.
type Reaper struct {
	backends []store.Store
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

func New(backends []store.Store, cfg Config) *Reaper {
	return &Reaper{backends: backends, cfg: cfg.withDefaults(), logger: log.WithComponent("reaper")}
}

func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	go r.run(r.stopCh)
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
}

func (r *Reaper) run(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.PurgeInterval)
	defer ticker.Stop()

	r.sweep(stop)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.sweep(stop)
		}
	}
}

func (r *Reaper) sweep(stop chan struct{}) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReaperCycleDuration)
	}()

	for i, backend := range r.backends {
		select {
		case <-stop:
			return
		default:
		}
		result, err := backend.PurgeExpiredItems(context.Background(), r.cfg.GraceSeconds, r.cfg.MaxPerLoop)
		if err != nil {
			r.logger.Error().Err(err).Int("backend", i).Msg("purge failed for backend, continuing")
			continue
		}
		metrics.ReaperPurgedItemsTotal.WithLabelValues(strconv.Itoa(i)).Add(float64(result.NumPurged))
		r.logger.Info().Int("backend", i).Int("purged", result.NumPurged).Bool("complete", result.IsComplete).Msg("purge cycle complete")

		if i < len(r.backends)-1 {
			select {
			case <-stop:
				return
			case <-time.After(r.cfg.InterBackendSleep):
			}
		}
	}
}
