package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gauges
	WorkersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loadmesh_workers_registered",
			Help: "Current number of registered workers",
		},
	)

	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loadmesh_workers_busy",
			Help: "Current number of workers holding a job",
		},
	)

	WorkerLoad = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadmesh_worker_load",
			Help: "Last load metric reported by each worker (normalized load average)",
		},
		[]string{"worker_id"},
	)

	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loadmesh_queue_length",
			Help: "Current number of jobs waiting for assignment",
		},
	)

	// Counters
	JobsSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadmesh_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
	)

	JobsAssignedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadmesh_jobs_assigned_total",
			Help: "Total number of job assignments",
		},
		[]string{"policy"}, // weighted, roundrobin
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadmesh_jobs_completed_total",
			Help: "Total number of jobs completed by workers",
		},
		[]string{"success"}, // "true" or "false"
	)

	JobsOrphanedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadmesh_jobs_orphaned_total",
			Help: "Total number of jobs whose worker went away before completion",
		},
	)

	JobsRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadmesh_jobs_requeued_total",
			Help: "Total number of jobs put back on the queue",
		},
		[]string{"reason"}, // send_failure, disconnect, refused, manual
	)

	DuplicateCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadmesh_duplicate_completions_total",
			Help: "Total number of completion reports ignored as duplicates",
		},
	)

	ProtocolErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadmesh_protocol_errors_total",
			Help: "Total number of malformed or unrecognized envelopes",
		},
		[]string{"code"},
	)

	AssignmentSendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadmesh_assignment_send_failures_total",
			Help: "Total number of run commands that could not be delivered",
		},
	)

	HealthPollFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loadmesh_health_poll_failures_total",
			Help: "Total number of load status requests that failed",
		},
	)

	// Histogram for assignment-to-completion duration
	JobDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loadmesh_job_duration_seconds",
			Help:    "Time from assignment to completion in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		},
	)
)
