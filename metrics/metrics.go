// Package metrics declares the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cppbox_executions_total",
			Help: "Total number of compile-and-run requests by result kind",
		},
		[]string{"compiler", "kind"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cppbox_execution_duration_seconds",
			Help:    "Wall-clock duration of a request, resolve to release",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"compiler"},
	)

	ContainerRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cppbox_container_run_duration_seconds",
			Help:    "Time from container start until exit or kill",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend"},
	)

	ActiveWorkspaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cppbox_active_workspaces",
			Help: "Workspaces acquired and not yet released",
		},
	)

	WorkspaceReleaseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cppbox_workspace_release_failures_total",
			Help: "Workspace directories that could not be removed",
		},
	)

	TeardownFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cppbox_container_teardown_failures_total",
			Help: "Containers that could not be killed or removed",
		},
		[]string{"backend"},
	)

	ImagePulls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cppbox_image_pulls_total",
			Help: "Image pulls issued to the execution backend",
		},
		[]string{"image", "status"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cppbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
