package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksAdded counts tasks accepted by the producer.
	TasksAdded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_tasks_added_total",
		Help: "Total number of tasks accepted by the producer",
	}, []string{"queue"})

	// TasksSkipped counts producer calls skipped by an active uniqueness lock.
	TasksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_tasks_skipped_total",
		Help: "Total number of task submissions skipped by uniqueness locks",
	}, []string{"queue"})

	// TasksCompleted counts tasks that reached the completed state.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_tasks_completed_total",
		Help: "Total number of tasks completed",
	}, []string{"queue"})

	// TasksFailed counts tasks that exhausted their attempts.
	TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_tasks_failed_total",
		Help: "Total number of tasks that failed terminally",
	}, []string{"queue"})

	// TaskRetries counts non-terminal handler failures returned for retry.
	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_task_retries_total",
		Help: "Total number of deliveries returned to the dispatcher for retry",
	}, []string{"queue"})

	// ActiveTasks tracks deliveries currently being processed in this process.
	ActiveTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmq_active_tasks",
		Help: "Number of deliveries currently being processed",
	}, []string{"queue"})

	// HandlerDuration tracks handler execution time.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmq_handler_duration_seconds",
		Help:    "Handler execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"queue"})

	// RateLimitDenials counts producer submissions rejected by rate limits.
	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_rate_limit_denials_total",
		Help: "Total number of submissions denied by rate limiting",
	}, []string{"key"})

	// StorageLatency tracks storage adapter call latency.
	StorageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmq_storage_latency_seconds",
		Help:    "Storage adapter operation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})

	// DispatcherEnqueueFailures counts dispatcher enqueue errors. These are
	// non-fatal for the producer: the task stays persisted.
	DispatcherEnqueueFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmq_dispatcher_enqueue_failures_total",
		Help: "Total number of failed dispatcher enqueue calls",
	}, []string{"queue"})

	// EventSubscribers tracks live event bus subscriptions.
	EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmq_event_subscribers",
		Help: "Number of live event bus subscriptions",
	})
)
