package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/narravox/stagehand/id"
	"github.com/narravox/stagehand/job"
)

// fakeHub is an in-memory pub/sub fabric shared by fake transports.
type fakeHub struct {
	mu   sync.Mutex
	subs []*fakeSub
}

func (h *fakeHub) transport() *fakeTransport {
	return &fakeTransport{hub: h}
}

func (h *fakeHub) publish(channel string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.subscribed(channel) {
			sub.out <- Message{Channel: channel, Payload: payload}
		}
	}
}

func (h *fakeHub) hasSubscriber(channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.subscribed(channel) {
			return true
		}
	}
	return false
}

type fakeTransport struct {
	hub *fakeHub
}

func (t *fakeTransport) Publish(_ context.Context, channel string, payload []byte) error {
	t.hub.publish(channel, payload)
	return nil
}

func (t *fakeTransport) Subscribe(context.Context) Subscription {
	sub := &fakeSub{
		channels: make(map[string]struct{}),
		out:      make(chan Message, 64),
	}
	t.hub.mu.Lock()
	t.hub.subs = append(t.hub.subs, sub)
	t.hub.mu.Unlock()
	return sub
}

type fakeSub struct {
	mu       sync.Mutex
	channels map[string]struct{}
	out      chan Message
	closed   bool
}

func (s *fakeSub) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok && !s.closed
}

func (s *fakeSub) Subscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *fakeSub) Unsubscribe(_ context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *fakeSub) Messages() <-chan Message { return s.out }

func (s *fakeSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

// recorder collects events under a lock so Run goroutines can append.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
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

func TestBridge_CrossProcessDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := &fakeHub{}

	busA := NewBus()
	recA := &recorder{}
	busA.Subscribe(recA.listen, Filter{AllJobs: true})
	bridgeA := NewBridge(busA, hub.transport())
	go bridgeA.Run(ctx)

	busB := NewBus()
	recB := &recorder{}
	busB.Subscribe(recB.listen, Filter{AllJobs: true})
	bridgeB := NewBridge(busB, hub.transport())
	go bridgeB.Run(ctx)

	waitFor(t, func() bool { return hub.hasSubscriber(broadcastChannel) },
		"bridges never subscribed to broadcast channel")
	// Both bridges want the broadcast channel; give the second a moment.
	time.Sleep(20 * time.Millisecond)

	j := job.New(job.Params{ContentRef: "content/7"})
	busA.Publish(ctx, NewJobCreated(j))

	waitFor(t, func() bool { return recB.count() == 1 },
		"event never crossed to the second process")

	got := recB.snapshot()[0]
	if got.Type != TypeJobCreated {
		t.Fatalf("remote event type = %s, want %s", got.Type, TypeJobCreated)
	}
	if got.Job.ID.String() != j.ID.String() {
		t.Fatalf("remote event job = %s, want %s", got.Job.ID, j.ID)
	}

	// The publisher's own listener fires exactly once: local delivery,
	// with the wire echo dropped by source id.
	time.Sleep(50 * time.Millisecond)
	if n := recA.count(); n != 1 {
		t.Fatalf("publisher-side listener invoked %d times, want 1", n)
	}
}

func TestBridge_TargetedChannelSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := &fakeHub{}

	busA := NewBus()
	NewBridge(busA, hub.transport())

	j1 := job.New(job.Params{ContentRef: "content/1"})
	j2 := job.New(job.Params{ContentRef: "content/2"})

	busB := NewBus()
	recB := &recorder{}
	busB.Subscribe(recB.listen, Filter{JobIDs: []id.JobID{j1.ID}})
	bridgeB := NewBridge(busB, hub.transport())
	go bridgeB.Run(ctx)

	waitFor(t, func() bool { return hub.hasSubscriber(jobChannel(j1.ID.String())) },
		"bridge never subscribed to the per-job channel")
	if hub.hasSubscriber(broadcastChannel) {
		t.Fatal("targeted demand opened the broadcast channel")
	}

	busA.Publish(ctx, NewJobCreated(j1))
	busA.Publish(ctx, NewJobCreated(j2))

	waitFor(t, func() bool { return recB.count() == 1 },
		"targeted event never arrived")
	time.Sleep(50 * time.Millisecond)
	if n := recB.count(); n != 1 {
		t.Fatalf("listener invoked %d times, want 1 (j2 filtered by channel)", n)
	}
}

func TestBridge_AllJobsCollapsesToBroadcastOnly(t *testing.T) {
	hub := &fakeHub{}
	bus := NewBus()
	j := job.New(job.Params{ContentRef: "content/9"})

	bus.Subscribe(func(Event) {}, Filter{JobIDs: []id.JobID{j.ID}})
	bus.Subscribe(func(Event) {}, Filter{AllJobs: true})
	bridge := NewBridge(bus, hub.transport())

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	if len(bridge.desired) != 1 {
		t.Fatalf("desired channels = %d, want 1", len(bridge.desired))
	}
	if _, ok := bridge.desired[broadcastChannel]; !ok {
		t.Fatal("desired set does not collapse to the broadcast channel")
	}
}

func TestBridge_DropsMalformedPayload(t *testing.T) {
	hub := &fakeHub{}
	bus := NewBus()
	rec := &recorder{}
	bus.Subscribe(rec.listen, Filter{AllJobs: true})
	bridge := NewBridge(bus, hub.transport())

	bridge.handle(Message{Channel: broadcastChannel, Payload: []byte("not json")})
	bridge.handle(Message{Channel: broadcastChannel, Payload: []byte(`{"sourceId":"x","type":"job_created","job":42}`)})

	if rec.count() != 0 {
		t.Fatalf("malformed payloads delivered %d events, want 0", rec.count())
	}
}
