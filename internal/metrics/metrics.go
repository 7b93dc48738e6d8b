// Package metrics defines the Prometheus collectors exported by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics
var (
	QueueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_queue_enqueued_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue", "kind"},
	)

	QueueCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_queue_completed_total",
			Help: "Total number of items completed",
		},
		[]string{"queue", "kind"},
	)

	QueueRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_queue_retries_total",
			Help: "Total number of failed attempts rescheduled for retry",
		},
		[]string{"queue", "kind"},
	)

	QueueDeadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_queue_dead_total",
			Help: "Total number of items moved to the dead state",
		},
		[]string{"queue", "kind"},
	)
)

// Derivative metrics
var (
	DerivativeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "albumforge_derivative_duration_seconds",
			Help:    "Time spent generating one derivative",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	ThumbnailTiersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_thumbnail_tiers_total",
			Help: "Per-tier thumbnail generation outcomes",
		},
		[]string{"tier", "status"},
	)
)

// Reconciler metrics
var (
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_sync_runs_total",
			Help: "Total number of reconciliation runs",
		},
		[]string{"type", "status"},
	)

	AlbumsReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "albumforge_albums_reconciled_total",
			Help: "Per-album reconciliation outcomes",
		},
		[]string{"outcome"},
	)

	ObjectProbesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "albumforge_object_probes_total",
			Help: "Total number of object-store existence probes",
		},
	)
)
