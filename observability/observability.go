// Package observability exposes Prometheus metrics and the structured
// logger shared by all stagehand processes.
package observability

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagehand_jobs_submitted_total",
		Help: "The total number of accepted job submissions",
	}, []string{"mode"})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagehand_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"mode", "status"}) // status: succeeded, failed, retried

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stagehand_job_duration_seconds",
		Help:    "Duration of job processing.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"mode"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stagehand_ratelimit_rejections_total",
		Help: "The total number of submissions rejected by the rate limiter",
	}, []string{"window"}) // window: main, burst, unavailable

	SemaphoreWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stagehand_semaphore_wait_seconds",
		Help:    "Time spent waiting for a pipeline semaphore slot.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	StuckJobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stagehand_stuck_jobs_recovered_total",
		Help: "The total number of stuck running jobs failed by the janitor",
	})
)

// NewLogger creates a new structured logger.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server failed", "error", err)
		}
	}()
}
