// Package observability holds the Prometheus metric vectors shared
// across the scheduler's components.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsScheduled counts successful schedule() calls by tier.
	EventsScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "horizonq_events_scheduled_total",
		Help: "Total number of events accepted by the router, by destination tier",
	}, []string{"tier"})

	// EventsFired counts terminal firing outcomes.
	EventsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "horizonq_events_fired_total",
		Help: "Total number of execution attempts, by outcome status",
	}, []string{"status"})

	// TransferBatchSize tracks how many entries TransferLoop promotes per tick.
	TransferBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "horizonq_transfer_batch_size",
		Help:    "Number of entries promoted from cold to hot tier per transfer tick",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// ExecutionDelaySeconds tracks scheduled_at-to-executed_at latency.
	ExecutionDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "horizonq_execution_delay_seconds",
		Help:    "Delay between scheduled_at and executed_at",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	// ProcessingTimeMs tracks the wall time of one execution task.
	ProcessingTimeMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "horizonq_processing_time_ms",
		Help:    "Wall time of a single execution attempt in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	// HotQueueDepth tracks the number of entries pending in HotStore.
	HotQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "horizonq_hot_queue_depth",
		Help: "Current number of pending entries in the hot tier",
	})

	// ColdQueueDepth tracks the number of pending entries in ColdStore.
	ColdQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "horizonq_cold_queue_depth",
		Help: "Current number of pending entries in the cold tier",
	})

	// LeaseEpoch tracks the current fencing epoch held by this node for a lease.
	LeaseEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "horizonq_lease_epoch",
		Help: "Current fencing epoch held by this node for a named lease",
	}, []string{"lease", "node_id"})

	// LeaseTransitions counts acquisitions and losses of named leases.
	LeaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "horizonq_lease_transitions_total",
		Help: "Total number of lease acquire/lose transitions",
	}, []string{"lease", "node_id", "event"})

	// ReaperReverted counts stale processing entries reverted to pending.
	ReaperReverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "horizonq_reaper_reverted_total",
		Help: "Total number of stale processing entries reverted to pending by the reaper",
	})

	// ShutdownAbort fires when an in-flight execution is abandoned
	// because the process context was cancelled (graceful shutdown)
	// between claim and publish.
	ShutdownAbort = promauto.NewCounter(prometheus.CounterOpts{
		Name: "horizonq_shutdown_abort_total",
		Help: "Executions aborted because the process context was cancelled before publish completed",
	})

	// CircuitState tracks per-dependency circuit breaker state.
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "horizonq_circuit_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})

	// AnalyticsFlushFailures counts failed analytics flushes; the failed
	// batch is kept in the sink's bounded overflow buffer for the next flush.
	AnalyticsFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "horizonq_analytics_flush_failures_total",
		Help: "Analytics flushes that failed; the batch is buffered for retry",
	})

	// RedisLatency tracks hot-tier roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "horizonq_redis_roundtrip_latency_seconds",
		Help:    "Hot-tier (Redis) operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// PostgresLatency tracks cold-tier roundtrip latency.
	PostgresLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "horizonq_postgres_roundtrip_latency_seconds",
		Help:    "Cold-tier (Postgres) operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	// PublishLatency tracks downstream publish latency.
	PublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "horizonq_publish_latency_seconds",
		Help:    "Downstream bus publish latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)
