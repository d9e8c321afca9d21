package middleware

import (
	"context"
	"time"

	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/observability"
)

// Metrics returns middleware that records processing counts and duration.
func Metrics() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)

		observability.JobDuration.WithLabelValues(j.Params.Mode).Observe(time.Since(start).Seconds())
		status := "succeeded"
		if err != nil {
			status = "failed"
		}
		observability.JobsProcessed.WithLabelValues(j.Params.Mode, status).Inc()

		return err
	}
}
