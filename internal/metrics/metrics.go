package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "spine"

	// Metric names.
	MetricNameBuildInfo          = Namespace + "_build_info"
	MetricNameCommands           = Namespace + "_device_commands_total"
	MetricNameCommandDuration    = Namespace + "_device_command_duration_seconds"
	MetricNameCacheHits          = Namespace + "_json_blob_cache_hits_total"
	MetricNameCacheMisses        = Namespace + "_json_blob_cache_misses_total"
	MetricNameParseFailures      = Namespace + "_parse_failures_total"
	MetricNameReplaceConflicts   = Namespace + "_topology_replace_conflicts_total"
	MetricNameTasks              = Namespace + "_tasks_total"
	MetricNameTasksRunning       = Namespace + "_tasks_running"
	MetricNameQueueDepth         = Namespace + "_broker_queue_depth"
	MetricNameSecurityViolations = Namespace + "_task_ownership_violations_total"
	MetricNameBeatDispatches     = Namespace + "_beat_dispatches_total"
	MetricNameBaselines          = Namespace + "_baseline_snapshots_total"

	// Labels.
	LabelVersion = "version"
	LabelCommit  = "commit"
	LabelDate    = "date"
	LabelResult  = "result"
	LabelCommand = "command"
	LabelTask    = "task"
	LabelState   = "state"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: MetricNameBuildInfo,
			Help: "Build information of the spine process",
		},
		[]string{LabelVersion, LabelCommit, LabelDate},
	)

	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameCommands,
			Help: "Device commands executed, by command and result kind",
		},
		[]string{LabelCommand, LabelResult},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    MetricNameCommandDuration,
			Help:    "Wall time of device command execution including SSH setup",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{LabelCommand},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameCacheHits,
			Help: "JSON-blob cache hits that short-circuited device execution",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameCacheMisses,
			Help: "JSON-blob cache misses or expiries that forced device execution",
		},
	)

	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameParseFailures,
			Help: "Command outputs that could not be parsed into records",
		},
		[]string{LabelCommand},
	)

	ReplaceConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameReplaceConflicts,
			Help: "Topology bulk-replace transactions that hit a uniqueness conflict",
		},
	)

	Tasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameTasks,
			Help: "Broker tasks finished, by task name and terminal state",
		},
		[]string{LabelTask, LabelState},
	)

	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameTasksRunning,
			Help: "Tasks currently executing in this worker process",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameQueueDepth,
			Help: "Messages waiting in the broker task queue",
		},
	)

	SecurityViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameSecurityViolations,
			Help: "Scheduled tasks whose kwargs username did not match the ownership row",
		},
	)

	BeatDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameBeatDispatches,
			Help: "Tasks dispatched by the scheduler beat, by task name",
		},
		[]string{LabelTask},
	)

	Baselines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameBaselines,
			Help: "Baseline snapshots written, by command",
		},
		[]string{LabelCommand},
	)
)
