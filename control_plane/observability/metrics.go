package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StagingQueueDepth tracks staged tasks waiting for the scheduler worker.
	StagingQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_staging_queue_depth",
		Help: "Current number of staged tasks awaiting endpoint resolution",
	})

	// PendingTasks tracks registered tasks waiting for dispatch.
	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_pending_tasks",
		Help: "Current number of concrete tasks in the pending queue",
	})

	// MissionsPublished counts missions sent to shuttles by purpose.
	MissionsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_missions_published_total",
		Help: "Missions published to shuttle command topics",
	}, []string{"on_arrival"})

	// MissionPublishRetries counts re-publishes while waiting for an ack.
	MissionPublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_mission_publish_retries_total",
		Help: "Mission publish attempts beyond the first while awaiting ack",
	})

	// MissionPublishTimeouts counts missions that never acked within the window.
	MissionPublishTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_mission_publish_timeouts_total",
		Help: "Missions abandoned after the publish retry window expired",
	})

	// DispatchLatency tracks time from task registration to assignment.
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_dispatch_latency_seconds",
		Help:    "Time between task registration and shuttle assignment",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
	})

	// PathfinderRuns counts path computations by outcome.
	PathfinderRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_pathfinder_runs_total",
		Help: "Path computations by outcome (found, no_path, second_chance)",
	}, []string{"outcome"})

	// ActivePaths tracks live entries in the path registry.
	ActivePaths = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_active_paths",
		Help: "Current number of unexpired active paths",
	})

	// StalePathsEvicted counts janitor evictions.
	StalePathsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shuttle_stale_paths_evicted_total",
		Help: "Active path records evicted after TTL expiry",
	})

	// TrafficCorridors tracks QRs currently classified as corridors.
	TrafficCorridors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_traffic_corridors",
		Help: "QRs with a detected dominant traffic direction",
	})

	// ConflictOutcomes counts conflict resolutions by strategy.
	ConflictOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_conflict_outcomes_total",
		Help: "Conflict resolutions by strategy (parking, backtrack, wait, reroute, emergency)",
	}, []string{"strategy"})

	// ConflictWaitSeconds tracks how long yielding shuttles waited.
	ConflictWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_conflict_wait_seconds",
		Help:    "Accumulated wait before a yielding shuttle was released",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1s to ~2min
	})

	// LifterWaits tracks shuttles currently parked waiting for a lifter.
	LifterWaits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shuttle_lifter_waiting",
		Help: "Shuttles waiting for a lifter, per floor",
	}, []string{"floor"})

	// ConnectedShuttles tracks shuttles with live telemetry.
	ConnectedShuttles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shuttle_connected",
		Help: "Shuttles whose state cache entry is within the liveness TTL",
	})

	// TasksCompleted counts terminal task transitions.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_tasks_total",
		Help: "Tasks reaching a terminal status",
	}, []string{"status"}) // completed, failed

	// IngestRejected counts ingestion validation failures.
	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_ingest_rejected_total",
		Help: "Ingestion requests or items rejected at validation",
	}, []string{"reason"}) // bad_payload, unknown_rack, duplicate_pallet

	// APIRateLimited tracks requests shed by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// RedisLatency tracks store roundtrip latency (coordination spine health).
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shuttle_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency on the lock path",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// BrokerPublishFailures tracks failed MQTT publishes (best-effort retried).
	BrokerPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shuttle_broker_publish_failures_total",
		Help: "Failed broker publish attempts by topic class",
	}, []string{"topic"})
)
