package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_task_transitions_total",
		Help: "Task status transitions written, by target status.",
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdr_stage_duration_seconds",
		Help:    "Time spent per pipeline stage.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stage"})

	tasksInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cdr_tasks_inflight",
		Help: "Tasks currently being advanced.",
	})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdr_artifact_downloads_total",
		Help: "Artifacts generated for download, by content type.",
	}, []string{"content_type"})

	contentCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdr_content_cache_hits_total",
		Help: "Evicted content snapshots restored from the session cache.",
	})
	contentCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdr_content_cache_misses_total",
		Help: "Content snapshots missing from both persistence and the session cache.",
	})
)
