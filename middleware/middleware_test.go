package middleware_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/narravox/stagehand/job"
	"github.com/narravox/stagehand/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChain_ExecutionOrder(t *testing.T) {
	var order []string

	mw1 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw1-before")
		err := next(ctx)
		order = append(order, "mw1-after")
		return err
	}

	mw2 := func(ctx context.Context, _ *job.Job, next middleware.Handler) error {
		order = append(order, "mw2-before")
		err := next(ctx)
		order = append(order, "mw2-after")
		return err
	}

	chain := middleware.Chain(mw1, mw2)
	j := job.New(job.Params{ContentRef: "content/1"})
	handler := func(_ context.Context) error {
		order = append(order, "handler")
		return nil
	}

	if err := chain(context.Background(), j, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []string{"mw1-before", "mw2-before", "handler", "mw2-after", "mw1-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(order), order)
	}
	for i, want := range expected {
		if order[i] != want {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want)
		}
	}
}

func TestChain_Empty(t *testing.T) {
	chain := middleware.Chain()
	called := false
	handler := func(_ context.Context) error {
		called = true
		return nil
	}

	j := job.New(job.Params{ContentRef: "content/1"})
	if err := chain(context.Background(), j, handler); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler was not called")
	}
}

func TestChain_ErrorShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	blocker := func(_ context.Context, _ *job.Job, _ middleware.Handler) error {
		return boom
	}

	called := false
	chain := middleware.Chain(blocker)
	j := job.New(job.Params{ContentRef: "content/1"})
	err := chain(context.Background(), j, func(_ context.Context) error {
		called = true
		return nil
	})

	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	if called {
		t.Fatal("handler ran despite short-circuit")
	}
}

func TestRecover_ConvertsPanicToError(t *testing.T) {
	chain := middleware.Chain(middleware.Recover(discardLogger()))
	j := job.New(job.Params{ContentRef: "content/1"})

	err := chain(context.Background(), j, func(_ context.Context) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected error from panicking handler")
	}
}

func TestTimeout_CancelsSlowHandler(t *testing.T) {
	chain := middleware.Chain(middleware.Timeout(20 * time.Millisecond))
	j := job.New(job.Params{ContentRef: "content/1"})

	err := chain(context.Background(), j, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}

func TestTimeout_ZeroDisablesDeadline(t *testing.T) {
	chain := middleware.Chain(middleware.Timeout(0))
	j := job.New(job.Params{ContentRef: "content/1"})

	err := chain(context.Background(), j, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			return errors.New("unexpected deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogging_PassesErrorThrough(t *testing.T) {
	boom := errors.New("boom")
	chain := middleware.Chain(middleware.Logging(discardLogger()))
	j := job.New(job.Params{ContentRef: "content/1"})

	err := chain(context.Background(), j, func(_ context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}
