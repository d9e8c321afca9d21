package event

import (
	"context"
	"testing"

	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/job"
)

func newTestJob(t *testing.T) *job.Job {
	t.Helper()
	return job.New(job.Params{ContentRef: "content/42", Owner: "owner-1"})
}

func TestBus_TargetedSubscription(t *testing.T) {
	bus := NewBus()
	j1 := newTestJob(t)
	j2 := newTestJob(t)

	var got []Event
	unsub := bus.Subscribe(func(e Event) { got = append(got, e) }, Filter{JobIDs: []id.JobID{j1.ID}})
	defer unsub()

	bus.Publish(context.Background(), NewJobCreated(j1))
	bus.Publish(context.Background(), NewJobCreated(j2))

	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if got[0].Job.ID.String() != j1.ID.String() {
		t.Fatalf("received event for job %s, want %s", got[0].Job.ID, j1.ID)
	}
}

func TestBus_AllJobsReceivesEverything(t *testing.T) {
	bus := NewBus()
	j1 := newTestJob(t)
	j2 := newTestJob(t)

	var all, targeted []Event
	defer bus.Subscribe(func(e Event) { all = append(all, e) }, Filter{AllJobs: true})()
	defer bus.Subscribe(func(e Event) { targeted = append(targeted, e) }, Filter{JobIDs: []id.JobID{j2.ID}})()

	bus.Publish(context.Background(), NewJobCreated(j1))
	bus.Publish(context.Background(), NewJobStateChanged(j2))

	if len(all) != 2 {
		t.Fatalf("all-jobs listener received %d events, want 2", len(all))
	}
	if len(targeted) != 1 {
		t.Fatalf("targeted listener received %d events, want 1", len(targeted))
	}
}

func TestBus_DeliveryOrderFollowsSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	j := newTestJob(t)

	var order []string
	defer bus.Subscribe(func(Event) { order = append(order, "first") }, Filter{AllJobs: true})()
	defer bus.Subscribe(func(Event) { order = append(order, "second") }, Filter{AllJobs: true})()

	bus.Publish(context.Background(), NewJobCreated(j))

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("delivery order = %v, want [first second]", order)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	j := newTestJob(t)

	count := 0
	unsub := bus.Subscribe(func(Event) { count++ }, Filter{AllJobs: true})

	bus.Publish(context.Background(), NewJobCreated(j))
	unsub()
	unsub() // second call is a no-op
	bus.Publish(context.Background(), NewJobStateChanged(j))

	if count != 1 {
		t.Fatalf("listener invoked %d times, want 1", count)
	}
}

func TestBus_ListenerGetsSnapshot(t *testing.T) {
	bus := NewBus()
	j := newTestJob(t)

	var seen job.Job
	defer bus.Subscribe(func(e Event) { seen = e.Job }, Filter{AllJobs: true})()

	bus.Publish(context.Background(), NewJobCreated(j))

	j.State = job.StateRunning
	if seen.State != job.StateQueued {
		t.Fatalf("listener snapshot mutated to %s, want queued", seen.State)
	}
}
