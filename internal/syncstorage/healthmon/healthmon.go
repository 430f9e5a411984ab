// Package healthmon implements the Backend Health Monitor: a periodic
// ping of each configured durable-store backend, publishing status via
// the cache layer so every process sees the same view. Checker/Result are
// adapted from the teacher's pkg/health package in spirit — a check
// returns a Result, a Status tracks consecutive failures — generalized
// from pinging a container to pinging a store.Store.
package healthmon

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/cache"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/log"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/metrics"
	"github.com/mozilla-services/syncstorage-go/internal/syncstorage/store"
)

// Status is the three-valued backend state the monitor maintains: "ok" and
// "unhealthy" are produced by the ping loop; "down" is reserved for an
// operator's manual override. Transitions the monitor makes must never
// clobber an operator-set down, enforced with a CAS so the monitor only
// ever flips ok<->unhealthy.
type Status string

const (
	StatusOK        Status = "ok"
	StatusUnhealthy Status = "unhealthy"
	StatusDown      Status = "down"
)

// Result is the outcome of a single ping, mirroring the teacher's
// health.Result.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs one health check against a single backend, matching
// the teacher's health.Checker interface shape (Check/Type).
type Checker interface {
	Check(ctx context.Context) Result
	Name() string
}

// storeChecker probes an embedded bbolt-backed store.Store directly, since
// there is no separate network hop to a TCP-checkable socket the way the
// teacher's container checks have.
type storeChecker struct {
	name  string
	store store.Store
}

// NewStoreChecker builds a Checker for an embedded backend: the ping is a
// GetStorageTimestamp call against a sentinel user, cheap and read-only.
func NewStoreChecker(name string, s store.Store) Checker {
	return &storeChecker{name: name, store: s}
}

func (c *storeChecker) Name() string { return c.name }

func (c *storeChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.store.GetStorageTimestamp(ctx, "__healthmon__")
	res := Result{CheckedAt: start, Duration: time.Since(start)}
	if err != nil {
		res.Healthy = false
		res.Message = err.Error()
		return res
	}
	res.Healthy = true
	return res
}

// Config carries the monitor's tunables, defaults matching spec.md §4.7.
type Config struct {
	Interval    time.Duration // default 60s
	PingTimeout time.Duration // default 30s
	Retries     int           // consecutive failures before "unhealthy"
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 30 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 1
	}
	return c
}

func statusKey(name string) string {
	return "health:" + name
}

// CheckersFunc re-reads the current set of backends to ping each tick,
// mirroring the teacher's per-tick manager.ListNodes() re-read so hosts
// added or removed between ticks are picked up without a restart.
type CheckersFunc func() []Checker

// Monitor runs a single ticker loop pinging every currently-configured
// backend each tick, structured like the teacher's reconciler.go:
// Start/Stop/run, a per-backend ping that never halts the others.
type Monitor struct {
	checkersFn CheckersFunc
	cacheLyr   cache.Layer
	cfg        Config
	logger     zerolog.Logger
	failures   map[string]int

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

func New(checkersFn CheckersFunc, cacheLyr cache.Layer, cfg Config) *Monitor {
	return &Monitor{
		checkersFn: checkersFn,
		cacheLyr:   cacheLyr,
		cfg:        cfg.withDefaults(),
		logger:     log.WithComponent("healthmon"),
		failures:   make(map[string]int),
	}
}

func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	go m.run(m.stopCh)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	close(m.stopCh)
	m.running = false
}

func (m *Monitor) run(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	for _, checker := range m.checkersFn() {
		m.pingOne(checker)
	}
}

func (m *Monitor) pingOne(checker Checker) {
	name := checker.Name()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HealthCheckDuration, name)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- checker.Check(ctx) }()

	var result Result
	select {
	case result = <-done:
	case <-ctx.Done():
		result = Result{Healthy: false, Message: "ping timed out", CheckedAt: time.Now()}
	}

	if result.Healthy {
		m.failures[name] = 0
		m.setStatusUnlessDown(name, StatusOK)
		return
	}
	m.failures[name]++
	m.logger.Warn().Str("backend", name).Str("message", result.Message).Int("consecutive_failures", m.failures[name]).Msg("backend ping failed")
	if m.failures[name] >= m.cfg.Retries {
		m.setStatusUnlessDown(name, StatusUnhealthy)
	}
}

// setStatusUnlessDown CASes the cached status and does not retry on a lost
// race; an operator-set "down" value is never overwritten by this path
// since the CAS's expected-previous-value won't match it.
func (m *Monitor) setStatusUnlessDown(name string, status Status) {
	ctx := context.Background()
	key := statusKey(name)
	current, ok, err := m.cacheLyr.Get(ctx, key)
	if err != nil {
		m.logger.Warn().Err(err).Str("backend", name).Msg("failed to read cached status")
		return
	}
	if ok && Status(current) == StatusDown {
		metrics.BackendStatus.WithLabelValues(name).Set(0)
		return
	}
	if !ok {
		if _, err := m.cacheLyr.Add(ctx, key, string(status), 0); err != nil {
			m.logger.Warn().Err(err).Str("backend", name).Msg("failed to publish status")
			return
		}
		metrics.BackendStatus.WithLabelValues(name).Set(statusGaugeValue(status))
		return
	}
	applied, err := m.cacheLyr.CAS(ctx, key, current, string(status), 0)
	if err != nil {
		m.logger.Warn().Err(err).Str("backend", name).Msg("failed to publish status")
		return
	}
	if !applied {
		// Lost a race with an operator (or another monitor instance)
		// setting down in between; leave it alone rather than retry
		// blindly over an intentional override.
		return
	}
	metrics.BackendStatus.WithLabelValues(name).Set(statusGaugeValue(status))
}

func statusGaugeValue(status Status) float64 {
	switch status {
	case StatusOK:
		return 1
	case StatusUnhealthy:
		return 0.5
	default:
		return 0
	}
}
