// Package worker consumes queued job references and drives them through
// the rendering pipeline: an Executor that owns the state transitions for
// one job, and a Pool that manages concurrent consumer goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/event"
	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/middleware"
	"github.com/narravox/stagehand/observability"
)

// Result is what a successful pipeline run produces.
type Result struct {
	// ManifestPath references the rendered result manifest.
	ManifestPath string
	// ExternalURL links the record created in an external system.
	ExternalURL string
}

// Pipeline renders the content a job refers to. Implementations must
// honor ctx cancellation; a run cut short is recorded as failed.
type Pipeline interface {
	Run(ctx context.Context, j *job.Job) (Result, error)
}

// Gate bounds concurrent pipeline runs across all workers. The semaphore
// package provides the production implementation.
type Gate interface {
	Acquire(ctx context.Context, operationID string) error
	Release(ctx context.Context, operationID string) error
}

// Executor runs a single job: claim it with a conditional state update,
// run the pipeline under the gate, record the outcome, publish events.
type Executor struct {
	store    job.Store
	bus      *event.Bus
	pipeline Pipeline
	gate     Gate
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. The middleware list wraps every
// pipeline run, first entry outermost.
func NewExecutor(
	store job.Store,
	bus *event.Bus,
	pipeline Pipeline,
	gate Gate,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		store:    store,
		bus:      bus,
		pipeline: pipeline,
		gate:     gate,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute processes one delivery of jobID. A nil return means the
// delivery is settled: the job reached a terminal state, or it was
// already handled elsewhere and the message should be acked. A non-nil
// return means the job was not touched and the delivery should be
// redelivered later.
func (e *Executor) Execute(ctx context.Context, jobID id.JobID) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, stagehand.ErrJobNotFound) {
			e.logger.Warn("delivery references unknown job, dropping",
				slog.String("job_id", jobID.String()))
			return nil
		}
		return fmt.Errorf("stagehand/worker: load job: %w", err)
	}

	if j.State != job.StateQueued {
		e.logger.Warn("delivery for job no longer queued, dropping",
			slog.String("job_id", jobID.String()),
			slog.String("state", string(j.State)),
		)
		return nil
	}

	now := time.Now().UTC()
	claimed, err := e.store.UpdateStateAndResult(ctx, jobID, job.StateQueued, job.StateRunning, job.Patch{
		StartedAt: &now,
	})
	if err != nil {
		return fmt.Errorf("stagehand/worker: claim job: %w", err)
	}
	if claimed == nil {
		// Another worker won the claim. Their problem now.
		e.logger.Warn("lost claim race, dropping delivery",
			slog.String("job_id", jobID.String()))
		return nil
	}
	e.bus.Publish(ctx, event.NewJobStateChanged(claimed))

	waitStart := time.Now()
	if err := e.gate.Acquire(ctx, claimed.ID.String()); err != nil {
		// The claim stands but nothing ran; the janitor will fail the
		// job if no redelivery lands in time.
		return fmt.Errorf("stagehand/worker: acquire pipeline slot: %w", err)
	}
	observability.SemaphoreWait.Observe(time.Since(waitStart).Seconds())
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := e.gate.Release(releaseCtx, claimed.ID.String()); err != nil {
			e.logger.Error("release pipeline slot",
				slog.String("job_id", claimed.ID.String()),
				slog.Any("error", err),
			)
		}
	}()

	var result Result
	terminal := func(ctx context.Context) error {
		var runErr error
		result, runErr = e.pipeline.Run(ctx, claimed)
		return runErr
	}
	runErr := e.mw(ctx, claimed, terminal)

	if runErr != nil {
		return e.recordFailure(ctx, claimed, runErr)
	}
	return e.recordSuccess(ctx, claimed, result)
}

func (e *Executor) recordSuccess(ctx context.Context, j *job.Job, result Result) error {
	now := time.Now().UTC()
	patch := job.Patch{FinishedAt: &now}
	if result.ManifestPath != "" {
		patch.ManifestPath = &result.ManifestPath
	}
	if result.ExternalURL != "" {
		patch.ExternalURL = &result.ExternalURL
	}

	updated, err := e.store.UpdateStateAndResult(ctx, j.ID, job.StateRunning, job.StateSucceeded, patch)
	if err != nil {
		return fmt.Errorf("stagehand/worker: record success: %w", err)
	}
	if updated == nil {
		e.logger.Warn("job moved under us, success not recorded",
			slog.String("job_id", j.ID.String()))
		return nil
	}
	e.bus.Publish(ctx, event.NewJobStateChanged(updated))
	return nil
}

// recordFailure marks the job failed. The failure is the outcome, not a
// transport problem, so the delivery is settled and never retried.
func (e *Executor) recordFailure(ctx context.Context, j *job.Job, runErr error) error {
	now := time.Now().UTC()
	msg := runErr.Error()

	updated, err := e.store.UpdateStateAndResult(ctx, j.ID, job.StateRunning, job.StateFailed, job.Patch{
		FinishedAt: &now,
		Error:      &msg,
	})
	if err != nil {
		return fmt.Errorf("stagehand/worker: record failure: %w", err)
	}
	if updated == nil {
		e.logger.Warn("job moved under us, failure not recorded",
			slog.String("job_id", j.ID.String()))
		return nil
	}
	e.bus.Publish(ctx, event.NewJobStateChanged(updated))
	return nil
}
