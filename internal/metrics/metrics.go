package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstacks_jobs_submitted_total",
			Help: "Total number of jobs accepted for execution",
		},
		[]string{"kind", "strategy"},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstacks_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"kind", "pool", "success"}, // success: "true" or "false"
	)

	JobsRequeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstacks_jobs_requeued_total",
			Help: "Total number of jobs requeued by lease recovery",
		},
	)

	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstacks_cache_hits_total",
			Help: "Total number of read jobs served from the result cache",
		},
	)

	CachePoisonsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstacks_cache_poisons_total",
			Help: "Total number of cache invalidations after config writes",
		},
	)

	RecoveryEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstacks_recovery_events_total",
			Help: "Total number of stale workers cleaned up by recovery",
		},
	)

	ScheduleFiresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstacks_schedule_fires_total",
			Help: "Total number of jobs materialized from schedule definitions",
		},
	)

	WebhookFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstacks_webhook_failures_total",
			Help: "Total number of webhook deliveries that exhausted retries",
		},
	)

	// Gauges
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstacks_queue_depth",
			Help: "Current number of jobs waiting in each queue",
		},
		[]string{"queue"}, // "fifo" or "pinned"
	)

	WorkersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstacks_workers_registered",
			Help: "Current number of registered workers",
		},
	)

	RunningJobsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netstacks_running_jobs_total",
			Help: "Current number of jobs being executed by this process",
		},
	)

	// Histogram for job execution duration
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netstacks_job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~163s
		},
		[]string{"kind", "pool"},
	)
)

// Register initializes all metrics (already done via promauto, but keep for
// explicit initialization at process start).
func Register() {}
