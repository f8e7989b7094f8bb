package telemetry

// MirrorBuckets covers clone/fetch durations, from a no-op fetch to the
// default 90 minute timeout
var MirrorBuckets = []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 5400}

// Scheduler Metrics
var (
	// SchedulerQueueDepth tracks queued project handles (duplicates included)
	SchedulerQueueDepth Gauge = NoopStat{}

	// WorkersBusy tracks workers currently running a job
	WorkersBusy Gauge = NoopStat{}

	// WorkerPanicsTotal counts jobs that panicked inside a worker
	WorkerPanicsTotal Counter = NoopStat{}
)

// Mirror Metrics
var (
	// MirrorPassesTotal counts mirror passes by mode (clone, update) and result
	MirrorPassesTotal CounterVec = noopCounterVec{}

	// MirrorPassSeconds measures mirror pass duration by mode
	MirrorPassSeconds HistogramVec = noopHistogramVec{}

	// CorruptionsTotal counts mirrors removed after a failed integrity check
	CorruptionsTotal Counter = NoopStat{}

	// VerificationsTotal counts post-sync checks by outcome (confirmed, retry, forced)
	VerificationsTotal CounterVec = noopCounterVec{}
)

// Source Metrics
var (
	// EventsReceivedTotal counts parsed events by source and type
	EventsReceivedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts events dropped by source and reason
	EventsDroppedTotal CounterVec = noopCounterVec{}

	// StreamRestartsTotal counts stream reconnections by source
	StreamRestartsTotal CounterVec = noopCounterVec{}

	// DiscoveryFailuresTotal counts failed project listings by source
	DiscoveryFailuresTotal CounterVec = noopCounterVec{}

	// ReconcileDeletedTotal counts stale local mirrors removed
	ReconcileDeletedTotal Counter = NoopStat{}
)

// Publisher Metrics
var (
	// PublishTotal counts sink publish attempts by sink and result
	PublishTotal CounterVec = noopCounterVec{}
)

// Project Metrics (updated by MetricsCollector)
var (
	// ProjectsTracked tracks registered project tasks by source
	ProjectsTracked GaugeVec = noopGaugeVec{}

	// PendingEvents tracks events waiting for a pass by source
	PendingEvents GaugeVec = noopGaugeVec{}

	// PendingRetries tracks events waiting on a deferred re-check by source
	PendingRetries GaugeVec = noopGaugeVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry once the registry exists.
func InitMetrics() {
	SchedulerQueueDepth = NewGauge(
		"scheduler_queue_depth",
		"Number of project handles waiting in the scheduler queue",
	)
	WorkersBusy = NewGauge(
		"workers_busy",
		"Number of workers currently running a project",
	)
	WorkerPanicsTotal = NewCounter(
		"worker_panics_total",
		"Total jobs that panicked inside a worker",
	)

	MirrorPassesTotal = NewCounterVec(
		"mirror_passes_total",
		"Mirror passes by mode and result",
		[]string{"mode", "result"},
	)
	MirrorPassSeconds = NewHistogramVec(
		"mirror_pass_seconds",
		"Mirror pass duration in seconds",
		[]string{"mode"},
		MirrorBuckets,
	)
	CorruptionsTotal = NewCounter(
		"corruptions_total",
		"Total local mirrors removed after a failed integrity check",
	)
	VerificationsTotal = NewCounterVec(
		"verifications_total",
		"Post-sync verifications by outcome",
		[]string{"outcome"},
	)

	EventsReceivedTotal = NewCounterVec(
		"events_received_total",
		"Events received by source and type",
		[]string{"source", "type"},
	)
	EventsDroppedTotal = NewCounterVec(
		"events_dropped_total",
		"Events dropped by source and reason",
		[]string{"source", "reason"},
	)
	StreamRestartsTotal = NewCounterVec(
		"stream_restarts_total",
		"Event stream restarts by source",
		[]string{"source"},
	)
	DiscoveryFailuresTotal = NewCounterVec(
		"discovery_failures_total",
		"Failed project discoveries by source",
		[]string{"source"},
	)
	ReconcileDeletedTotal = NewCounter(
		"reconcile_deleted_total",
		"Total stale local mirrors deleted during reconciliation",
	)

	PublishTotal = NewCounterVec(
		"publish_total",
		"Publish attempts by sink and result",
		[]string{"sink", "result"},
	)

	ProjectsTracked = NewGaugeVec(
		"projects_tracked",
		"Registered project tasks by source",
		[]string{"source"},
	)
	PendingEvents = NewGaugeVec(
		"pending_events",
		"Events waiting for a mirror pass by source",
		[]string{"source"},
	)
	PendingRetries = NewGaugeVec(
		"pending_retries",
		"Events waiting on a deferred verification retry by source",
		[]string{"source"},
	)
}
