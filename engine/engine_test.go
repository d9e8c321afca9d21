package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/narravox/stagehand"
	"github.com/narravox/stagehand/engine"
	"github.com/narravox/stagehand/event"
	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/queue"
	"github.com/narravox/stagehand/ratelimit"
	"github.com/narravox/stagehand/store/memory"
	"github.com/narravox/stagehand/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDelivery settles in memory.
type fakeDelivery struct {
	jobID string

	mu      sync.Mutex
	acked   bool
	retried bool
}

func (d *fakeDelivery) JobID() string { return d.jobID }
func (d *fakeDelivery) Attempt() int  { return 1 }

func (d *fakeDelivery) Ack() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	return nil
}

func (d *fakeDelivery) Retry(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retried = true
	return nil
}

// fakeBroker loops enqueued references straight back to consumers.
type fakeBroker struct {
	deliveries chan queue.Delivery
	enqueueErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan queue.Delivery, 16)}
}

func (b *fakeBroker) Enqueue(_ context.Context, jobID id.JobID) error {
	if b.enqueueErr != nil {
		return b.enqueueErr
	}
	b.deliveries <- &fakeDelivery{jobID: jobID.String()}
	return nil
}

func (b *fakeBroker) Consume(context.Context) (<-chan queue.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Close() error { return nil }

// openGate admits everything.
type openGate struct{}

func (openGate) Acquire(context.Context, string) error { return nil }
func (openGate) Release(context.Context, string) error { return nil }

// stubPipeline succeeds with a fixed manifest.
type stubPipeline struct{}

func (stubPipeline) Run(context.Context, *job.Job) (worker.Result, error) {
	return worker.Result{ManifestPath: "/m/1.json"}, nil
}

// denyLimiter rejects everything with a fixed hint.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) ratelimit.Result {
	return ratelimit.Result{Allowed: false, RetryAfter: 45 * time.Second, Limit: 10}
}

type fixture struct {
	engine *engine.Engine
	store  *memory.Store
	broker *fakeBroker
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	store := memory.New()
	bus := event.NewBus()
	broker := newFakeBroker()
	exec := worker.NewExecutor(store, bus, stubPipeline{}, openGate{}, discardLogger())
	pool := worker.NewPool(broker, exec, "stagehand.jobs", discardLogger(),
		worker.WithPoolConcurrency(2))

	opts = append([]engine.Option{engine.WithLogger(discardLogger())}, opts...)
	return &fixture{
		engine: engine.New(store, bus, broker, pool, opts...),
		store:  store,
		broker: broker,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngine_SubmitThroughToSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx := newFixture(t)

	var states []job.State
	var mu sync.Mutex
	fx.engine.SubscribeJobEvents(func(e event.Event) {
		mu.Lock()
		states = append(states, e.Job.State)
		mu.Unlock()
	}, event.Filter{AllJobs: true})

	runDone := make(chan error, 1)
	go func() { runDone <- fx.engine.Run(ctx) }()

	j, err := fx.engine.SubmitJob(ctx, job.Params{ContentRef: "content/1", Owner: "owner-1"})
	if err != nil {
		t.Fatalf("SubmitJob: %v", err)
	}
	if j.State != job.StateQueued {
		t.Fatalf("submitted state = %s, want queued", j.State)
	}

	waitFor(t, func() bool {
		got, err := fx.engine.GetJobStatus(ctx, j.ID)
		return err == nil && got.State == job.StateSucceeded
	}, "job never reached succeeded")

	got, _ := fx.engine.GetJobStatus(ctx, j.ID)
	if got.ManifestPath != "/m/1.json" {
		t.Fatalf("ManifestPath = %q, want /m/1.json", got.ManifestPath)
	}

	mu.Lock()
	seen := append([]job.State(nil), states...)
	mu.Unlock()
	want := []job.State{job.StateQueued, job.StateRunning, job.StateSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("event states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("event states = %v, want %v", seen, want)
		}
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestEngine_SubmitRejectedByLimiter(t *testing.T) {
	fx := newFixture(t, engine.WithLimiter(denyLimiter{}))

	_, err := fx.engine.SubmitJob(context.Background(), job.Params{ContentRef: "content/1", Owner: "owner-1"})
	if !errors.Is(err, stagehand.ErrRateLimited) {
		t.Fatalf("error = %v, want ErrRateLimited", err)
	}

	var rl *engine.RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("error %v is not a RateLimitedError", err)
	}
	if rl.RetryAfter != 45*time.Second {
		t.Fatalf("RetryAfter = %v, want 45s", rl.RetryAfter)
	}
}

func TestEngine_SubmitRequiresContentRef(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.engine.SubmitJob(context.Background(), job.Params{}); err == nil {
		t.Fatal("SubmitJob accepted empty content ref")
	}
}

func TestEngine_SubmitEnqueueFailureSurfaces(t *testing.T) {
	fx := newFixture(t)
	fx.broker.enqueueErr = errors.New("broker down")

	_, err := fx.engine.SubmitJob(context.Background(), job.Params{ContentRef: "content/1"})
	if err == nil {
		t.Fatal("SubmitJob returned nil despite enqueue failure")
	}
}

func TestEngine_GetJobStatusUnknown(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.engine.GetJobStatus(context.Background(), id.NewJobID())
	if !errors.Is(err, stagehand.ErrJobNotFound) {
		t.Fatalf("error = %v, want ErrJobNotFound", err)
	}
}
