package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/event"
	"github.com/narravox/stagehand/janitor"
	"github.com/narravox/stagehand/middleware"
	"github.com/narravox/stagehand/queue"
	"github.com/narravox/stagehand/ratelimit"
	"github.com/narravox/stagehand/semaphore"
	"github.com/narravox/stagehand/store/postgres"
	"github.com/narravox/stagehand/worker"
)

// pipelineSemaphoreName is the shared semaphore bounding pipeline runs.
const pipelineSemaphoreName = "pipeline"

// BuildFromConfig constructs a fully wired Engine: Postgres store with
// migrations applied, Redis-backed semaphore, limiter and event bridge,
// AMQP broker, and a worker pool running pipeline under the standard
// middleware chain. The returned cleanup closes every connection and is
// safe to call after Run returns.
func BuildFromConfig(ctx context.Context, cfg stagehand.Config, pipeline worker.Pipeline, logger *slog.Logger) (*Engine, func(), error) {
	store, err := postgres.New(ctx, cfg.PostgresURL, postgres.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { store.Close() }
	if err := store.Migrate(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("stagehand/engine: ping redis: %w", err)
	}
	prev := cleanup
	cleanup = func() { rdb.Close(); prev() }

	broker, err := queue.NewAMQPBroker(cfg.AMQPURL, cfg.Queue, queue.WithBrokerLogger(logger))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	prevBroker := cleanup
	cleanup = func() { broker.Close(); prevBroker() }

	bus := event.NewBus()
	bridge := event.NewBridge(bus, event.NewRedisTransport(rdb), event.WithBridgeLogger(logger))

	gate := semaphore.New(rdb, pipelineSemaphoreName, cfg.Semaphore.Max,
		semaphore.WithLeaseTTL(time.Duration(cfg.Semaphore.LeaseTTL)),
		semaphore.WithWaitTimeout(time.Duration(cfg.Semaphore.WaitTimeout)),
		semaphore.WithLogger(logger),
	)

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewSlidingWindow(rdb,
			time.Duration(cfg.RateLimit.Window), cfg.RateLimit.Limit,
			time.Duration(cfg.RateLimit.BurstWindow), cfg.RateLimit.BurstLimit,
			ratelimit.WithLogger(logger),
		)
	}

	executor := worker.NewExecutor(store, bus, pipeline, gate, logger,
		middleware.Recover(logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(logger),
		middleware.Timeout(time.Duration(cfg.Janitor.MaxRuntime)),
	)
	pool := worker.NewPool(broker, executor, cfg.Queue, logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithQueueManager(queue.NewManager(queue.Config{
			Name:           cfg.Queue,
			MaxConcurrency: cfg.Concurrency,
		})),
	)

	jn := janitor.New(store, bus,
		janitor.WithSchedule(cfg.Janitor.Schedule),
		janitor.WithMaxRuntime(time.Duration(cfg.Janitor.MaxRuntime)),
		janitor.WithLogger(logger),
	)

	eng := New(store, bus, broker, pool,
		WithLimiter(limiter),
		WithBridge(bridge),
		WithJanitor(jn),
		WithMetricsAddr(cfg.MetricsAddr),
		WithShutdownTimeout(time.Duration(cfg.ShutdownTimeout)),
		WithLogger(logger),
	)
	return eng, cleanup, nil
}
