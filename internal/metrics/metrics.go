// Package metrics declares the process-wide Prometheus instruments. The
// control server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PostsDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirage_posts_downloaded_total",
		Help: "Posts fully mirrored to local storage.",
	})
	PostsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirage_posts_failed_total",
		Help: "Posts that finished a run with failures.",
	})
	FilesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirage_files_downloaded_total",
		Help: "Files written to local storage.",
	})
	BytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirage_bytes_downloaded_total",
		Help: "Payload bytes streamed from the remote host.",
	})
	TasksQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirage_tasks_queued",
		Help: "Download tasks waiting in the scheduler queue.",
	})
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirage_tasks_running",
		Help: "Download tasks currently on a worker.",
	})
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirage_tasks_completed_total",
		Help: "Download tasks finished, successfully or not.",
	})
)
