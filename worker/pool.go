package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/queue"
)

// QueueManager paces local dequeue. The pool calls Acquire before
// executing a delivery and Release when execution completes.
type QueueManager interface {
	Acquire(queue string) bool
	Release(queue string)
}

// Pool manages a set of concurrent consumer goroutines reading job
// references from the broker and executing them.
type Pool struct {
	broker    queue.Broker
	executor  *Executor
	queueName string

	concurrency  int
	queueManager QueueManager
	paceInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent consumer goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithQueueManager sets the local pacing manager.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithPaceInterval sets how long a consumer waits before re-asking the
// queue manager for a denied slot.
func WithPaceInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.paceInterval = d }
}

// NewPool creates a worker pool consuming queueName.
func NewPool(
	broker queue.Broker,
	executor *Executor,
	queueName string,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		broker:       broker,
		executor:     executor,
		queueName:    queueName,
		concurrency:  4,
		paceInterval: 50 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the consumer goroutines. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := p.broker.Consume(consumeCtx)
	if err != nil {
		cancel()
		return err
	}

	p.running = true
	p.cancel = cancel
	for n := range p.concurrency {
		p.wg.Add(1)
		go p.runConsumer(consumeCtx, n, deliveries)
	}

	p.logger.Info("worker pool started",
		slog.String("worker_id", p.workerID.String()),
		slog.String("queue", p.queueName),
		slog.Int("concurrency", p.concurrency),
	)
	return nil
}

// Stop halts intake and waits for in-flight jobs. When ctx expires first,
// the remaining jobs are cancelled and Stop returns the ctx error after
// they unwind.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", slog.String("worker_id", p.workerID.String()))
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, cancelling active jobs",
			slog.String("worker_id", p.workerID.String()))
		p.cancelActive()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.activeJobs {
		cancel()
	}
}

func (p *Pool) runConsumer(ctx context.Context, n int, deliveries <-chan queue.Delivery) {
	defer p.wg.Done()
	logger := p.logger.With(
		slog.String("worker_id", p.workerID.String()),
		slog.Int("consumer", n),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(ctx, logger, d)
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger *slog.Logger, d queue.Delivery) {
	if p.queueManager != nil {
		for !p.queueManager.Acquire(p.queueName) {
			select {
			case <-ctx.Done():
				// Intake stopped while pacing; leave the message
				// unacked for the broker to redeliver.
				return
			case <-time.After(p.paceInterval):
			}
		}
		defer p.queueManager.Release(p.queueName)
	}

	jobID, err := id.ParseJobID(d.JobID())
	if err != nil {
		logger.Error("malformed job id in delivery, dropping",
			slog.String("raw", d.JobID()),
			slog.Any("error", err),
		)
		if err := d.Ack(); err != nil {
			logger.Error("ack malformed delivery", slog.Any("error", err))
		}
		return
	}

	// In-flight work survives intake shutdown; Stop cancels it explicitly
	// only when the grace period runs out.
	jobCtx, jobCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer jobCancel()
	p.activeMu.Lock()
	p.activeJobs[jobID.String()] = jobCancel
	p.activeMu.Unlock()
	defer func() {
		p.activeMu.Lock()
		delete(p.activeJobs, jobID.String())
		p.activeMu.Unlock()
	}()

	if err := p.executor.Execute(jobCtx, jobID); err != nil {
		logger.Warn("execution incomplete, scheduling redelivery",
			slog.String("job_id", jobID.String()),
			slog.Int("attempt", d.Attempt()),
			slog.Any("error", err),
		)
		if err := d.Retry(context.WithoutCancel(ctx)); err != nil {
			logger.Error("schedule redelivery",
				slog.String("job_id", jobID.String()),
				slog.Any("error", err),
			)
		}
		return
	}

	if err := d.Ack(); err != nil {
		logger.Error("ack delivery",
			slog.String("job_id", jobID.String()),
			slog.Any("error", err),
		)
	}
}
