// Package janitor recovers jobs orphaned by worker crashes. A worker that
// dies between claiming a job and recording its outcome leaves the job
// running forever; any redelivery drops out on the conditional update. The
// janitor periodically fails such jobs so their owners see a terminal state.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/narravox/stagehand/event"
	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/observability"
)

// DefaultMaxRuntime is how long a job may stay running before the janitor
// considers it stuck. It must comfortably exceed the longest legitimate
// pipeline run.
const DefaultMaxRuntime = time.Hour

// DefaultSchedule sweeps every five minutes.
const DefaultSchedule = "*/5 * * * *"

const stuckError = "job exceeded max runtime; worker presumed dead"

// Janitor sweeps stuck running jobs on a cron schedule.
type Janitor struct {
	store      job.Store
	bus        *event.Bus
	schedule   string
	maxRuntime time.Duration
	logger     *slog.Logger

	cron *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithSchedule sets the sweep cron expression.
func WithSchedule(spec string) Option {
	return func(j *Janitor) { j.schedule = spec }
}

// WithMaxRuntime sets the stuck threshold.
func WithMaxRuntime(d time.Duration) Option {
	return func(j *Janitor) { j.maxRuntime = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// New creates a Janitor. Call Start to begin sweeping.
func New(store job.Store, bus *event.Bus, opts ...Option) *Janitor {
	jn := &Janitor{
		store:      store,
		bus:        bus,
		schedule:   DefaultSchedule,
		maxRuntime: DefaultMaxRuntime,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(jn)
	}
	return jn
}

// Start schedules the sweep. It returns immediately.
func (jn *Janitor) Start() error {
	jn.cron = cron.New()
	_, err := jn.cron.AddFunc(jn.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := jn.Sweep(ctx); err != nil {
			jn.logger.Error("janitor sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return err
	}
	jn.cron.Start()
	jn.logger.Info("janitor started",
		slog.String("schedule", jn.schedule),
		slog.Duration("max_runtime", jn.maxRuntime),
	)
	return nil
}

// Stop halts the schedule and waits for a sweep in progress.
func (jn *Janitor) Stop() {
	if jn.cron != nil {
		<-jn.cron.Stop().Done()
	}
}

// Sweep fails every running job that started more than maxRuntime ago.
// It returns how many jobs it recovered. Jobs that move concurrently lose
// the conditional update and are skipped.
func (jn *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-jn.maxRuntime)
	stuck, err := jn.store.ListStuckRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, j := range stuck {
		now := time.Now().UTC()
		msg := stuckError
		updated, err := jn.store.UpdateStateAndResult(ctx, j.ID, job.StateRunning, job.StateFailed, job.Patch{
			FinishedAt: &now,
			Error:      &msg,
		})
		if err != nil {
			jn.logger.Error("fail stuck job",
				slog.String("job_id", j.ID.String()),
				slog.Any("error", err),
			)
			continue
		}
		if updated == nil {
			// The job moved on its own between list and update.
			continue
		}

		jn.logger.Warn("failed stuck job",
			slog.String("job_id", updated.ID.String()),
			slog.Time("started_at", *updated.StartedAt),
		)
		observability.StuckJobsRecovered.Inc()
		jn.bus.Publish(ctx, event.NewJobStateChanged(updated))
		recovered++
	}
	return recovered, nil
}
