package janitor_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/narravox/stagehand/event"
	"github.com/narravox/stagehand/janitor"
	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func insertRunning(t *testing.T, store *memory.Store, startedAgo time.Duration) *job.Job {
	t.Helper()
	j := job.New(job.Params{ContentRef: "content/x"})
	started := time.Now().UTC().Add(-startedAgo)
	j.State = job.StateRunning
	j.StartedAt = &started
	if err := store.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	return j
}

func TestSweep_FailsStuckJobs(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bus := event.NewBus()

	var published []event.Event
	bus.Subscribe(func(e event.Event) { published = append(published, e) }, event.Filter{AllJobs: true})

	stuck := insertRunning(t, store, 3*time.Hour)
	fresh := insertRunning(t, store, time.Minute)

	jn := janitor.New(store, bus,
		janitor.WithMaxRuntime(time.Hour),
		janitor.WithLogger(discardLogger()),
	)

	recovered, err := jn.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}

	got, _ := store.GetJob(ctx, stuck.ID)
	if got.State != job.StateFailed {
		t.Fatalf("stuck job state = %s, want failed", got.State)
	}
	if got.Error == "" || got.FinishedAt == nil {
		t.Fatal("stuck job missing failure details")
	}

	untouched, _ := store.GetJob(ctx, fresh.ID)
	if untouched.State != job.StateRunning {
		t.Fatalf("fresh job state = %s, want running", untouched.State)
	}

	if len(published) != 1 || published[0].Job.ID.String() != stuck.ID.String() {
		t.Fatalf("published %d events, want 1 for the stuck job", len(published))
	}
}

func TestSweep_EmptyStore(t *testing.T) {
	jn := janitor.New(memory.New(), event.NewBus(), janitor.WithLogger(discardLogger()))
	recovered, err := jn.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}
}

func TestSweep_SkipsJobsThatMovedConcurrently(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	bus := event.NewBus()

	j := insertRunning(t, store, 3*time.Hour)

	// The worker finishes between the janitor's list and its update.
	now := time.Now().UTC()
	if _, err := store.UpdateStateAndResult(ctx, j.ID, job.StateRunning, job.StateSucceeded, job.Patch{
		FinishedAt: &now,
	}); err != nil {
		t.Fatalf("UpdateStateAndResult: %v", err)
	}

	jn := janitor.New(store, bus,
		janitor.WithMaxRuntime(time.Hour),
		janitor.WithLogger(discardLogger()),
	)
	recovered, err := jn.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("recovered = %d, want 0", recovered)
	}

	got, _ := store.GetJob(ctx, j.ID)
	if got.State != job.StateSucceeded {
		t.Fatalf("state = %s, want succeeded preserved", got.State)
	}
}
