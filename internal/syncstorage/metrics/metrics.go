// Package metrics registers the Prometheus collectors shared by the quota
// accountant, batch pipeline, TTL reaper and backend health monitor, in the
// same pattern as the cluster service this codebase descends from: package
// level vars, one init() registering them all, a Timer helper.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchRecordsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncstorage_batch_records_accepted_total",
		Help: "Total number of BSOs accepted by the batch pipeline.",
	})

	BatchRecordsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstorage_batch_records_rejected_total",
			Help: "Total number of BSOs rejected by the batch pipeline, by reason.",
		},
		[]string{"reason"},
	)

	BatchUploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncstorage_batch_upload_duration_seconds",
		Help:    "Time taken to process one batch upload.",
		Buckets: prometheus.DefBuckets,
	})

	QuotaOverLimitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncstorage_quota_over_limit_total",
		Help: "Total number of writes rejected for exceeding quota.",
	})

	QuotaRecalculationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "syncstorage_quota_recalculations_total",
		Help: "Total number of forced quota recomputations from the durable store.",
	})

	ReaperPurgedItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstorage_reaper_purged_items_total",
			Help: "Total number of expired BSOs purged by the TTL reaper, by backend.",
		},
		[]string{"backend"},
	)

	ReaperCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncstorage_reaper_cycle_duration_seconds",
		Help:    "Time taken for one full TTL reaper pass across all backends.",
		Buckets: prometheus.DefBuckets,
	})

	HealthCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncstorage_backend_health_check_duration_seconds",
			Help:    "Time taken to ping one durable store backend.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	BackendStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncstorage_backend_status",
			Help: "Current backend health status (1 = ok, 0.5 = unhealthy, 0 = down).",
		},
		[]string{"backend"},
	)

	CoordinatorCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncstorage_coordinator_cache_requests_total",
			Help: "Cache coordinator read outcomes, by collection classification and hit/miss.",
		},
		[]string{"classification", "outcome"},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncstorage_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a collection lock.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		BatchRecordsAccepted,
		BatchRecordsRejected,
		BatchUploadDuration,
		QuotaOverLimitTotal,
		QuotaRecalculationsTotal,
		ReaperPurgedItemsTotal,
		ReaperCycleDuration,
		HealthCheckDuration,
		BackendStatus,
		CoordinatorCacheHits,
		LockWaitDuration,
	)
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
