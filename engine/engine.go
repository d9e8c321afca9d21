// Package engine wires all stagehand subsystems together: store, event
// bus and bridge, broker, rate limiter, worker pool, and janitor. It is
// the surface application code talks to; the subsystem packages stay
// independent of each other and of this package's composition choices.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/event"
	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/janitor"
	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/observability"
	"github.com/narravox/stagehand/queue"
	"github.com/narravox/stagehand/ratelimit"
	"github.com/narravox/stagehand/worker"
)

// DefaultShutdownTimeout bounds the graceful stop of in-flight jobs.
const DefaultShutdownTimeout = 30 * time.Second

// RateLimitedError reports a submission rejected by the rate limiter.
// It unwraps to stagehand.ErrRateLimited.
type RateLimitedError struct {
	RetryAfter time.Duration
	Limit      int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("stagehand: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return stagehand.ErrRateLimited }

// Engine is the composed job backend.
type Engine struct {
	store   job.Store
	bus     *event.Bus
	broker  queue.Broker
	pool    *worker.Pool
	limiter ratelimit.Limiter
	bridge  *event.Bridge
	janitor *janitor.Janitor

	metricsAddr     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter sets the submission rate limiter. Defaults to a limiter
// that admits everything.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithBridge attaches the cross-process event bridge.
func WithBridge(b *event.Bridge) Option {
	return func(e *Engine) { e.bridge = b }
}

// WithJanitor attaches the stuck-job janitor.
func WithJanitor(j *janitor.Janitor) Option {
	return func(e *Engine) { e.janitor = j }
}

// WithMetricsAddr exposes Prometheus metrics on addr while the engine runs.
func WithMetricsAddr(addr string) Option {
	return func(e *Engine) { e.metricsAddr = addr }
}

// WithShutdownTimeout bounds how long Run waits for in-flight jobs after
// its context is cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(e *Engine) { e.shutdownTimeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New composes an engine from its required subsystems.
func New(store job.Store, bus *event.Bus, broker queue.Broker, pool *worker.Pool, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		bus:             bus,
		broker:          broker,
		pool:            pool,
		limiter:         ratelimit.Noop{},
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitJob validates and persists a new job, announces it, and enqueues
// it for processing. The returned job is already in queued state.
func (e *Engine) SubmitJob(ctx context.Context, params job.Params) (*job.Job, error) {
	if params.ContentRef == "" {
		return nil, fmt.Errorf("stagehand/engine: submit: content ref is required")
	}

	res := e.limiter.Allow(ctx, params.Owner)
	if !res.Allowed {
		observability.RateLimitRejections.WithLabelValues("main").Inc()
		e.logger.Info("submission rate limited",
			slog.String("owner", params.Owner),
			slog.Duration("retry_after", res.RetryAfter),
		)
		return nil, &RateLimitedError{RetryAfter: res.RetryAfter, Limit: res.Limit}
	}

	j := job.New(params)
	if err := e.store.InsertJob(ctx, j); err != nil {
		return nil, fmt.Errorf("stagehand/engine: submit: %w", err)
	}
	observability.JobsSubmitted.WithLabelValues(params.Mode).Inc()
	e.bus.Publish(ctx, event.NewJobCreated(j))

	if err := e.broker.Enqueue(ctx, j.ID); err != nil {
		// The record exists but no worker will see it. Surface the
		// error; the caller decides whether to resubmit.
		e.logger.Error("enqueue after insert failed",
			slog.String("job_id", j.ID.String()),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("stagehand/engine: enqueue %s: %w", j.ID, err)
	}

	e.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("content_ref", params.ContentRef),
		slog.String("owner", params.Owner),
	)
	return j, nil
}

// GetJobStatus reads the job's current persisted state.
func (e *Engine) GetJobStatus(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// SubscribeJobEvents registers a listener for job lifecycle events. The
// returned function cancels the subscription.
func (e *Engine) SubscribeJobEvents(listener event.Listener, filter event.Filter) func() {
	return e.bus.Subscribe(listener, filter)
}

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them fails. Shutdown is graceful: intake stops first, then in-flight
// jobs get shutdownTimeout to finish.
func (e *Engine) Run(ctx context.Context) error {
	if e.metricsAddr != "" {
		observability.StartMetricsServer(e.metricsAddr)
	}

	g, gctx := errgroup.WithContext(ctx)

	if e.bridge != nil {
		g.Go(func() error {
			if err := e.bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := e.pool.Start(gctx); err != nil {
		return fmt.Errorf("stagehand/engine: start pool: %w", err)
	}

	if e.janitor != nil {
		if err := e.janitor.Start(); err != nil {
			return fmt.Errorf("stagehand/engine: start janitor: %w", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()

		if e.janitor != nil {
			e.janitor.Stop()
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
		defer cancel()
		if err := e.pool.Stop(stopCtx); err != nil {
			e.logger.Warn("pool stopped with cancelled jobs", slog.Any("error", err))
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
