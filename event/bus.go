package event

import (
	"context"
	"sync"

	"github.com/narravox/stagehand/id"
)

// Listener receives events synchronously on the publisher's goroutine.
// A slow listener slows every publisher, so listeners hand work off.
type Listener func(Event)

// Filter selects which jobs a subscription observes. AllJobs supersedes
// JobIDs when both are set.
type Filter struct {
	JobIDs  []id.JobID
	AllJobs bool
}

func (f Filter) matches(e Event) bool {
	if f.AllJobs {
		return true
	}
	for _, jid := range f.JobIDs {
		if jid.String() == e.Job.ID.String() {
			return true
		}
	}
	return false
}

// forwarder receives every locally published event for cross-process
// fan-out. The bridge installs itself as the bus forwarder.
type forwarder interface {
	forward(ctx context.Context, e Event)
	subscriptionsChanged(all bool, jobIDs []string)
}

type subscription struct {
	seq      uint64
	filter   Filter
	listener Listener
}

// Bus is the in-process event hub. Listeners are invoked in subscription
// order; delivery is synchronous and never drops within the process.
type Bus struct {
	mu      sync.Mutex
	nextSeq uint64
	subs    []*subscription
	fwd     forwarder
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers listener for events matching filter. The returned
// function removes the subscription; calling it more than once is harmless.
func (b *Bus) Subscribe(listener Listener, filter Filter) (unsubscribe func()) {
	b.mu.Lock()
	sub := &subscription{seq: b.nextSeq, filter: filter, listener: listener}
	b.nextSeq++
	b.subs = append(b.subs, sub)
	b.notifyLocked()
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.notifyLocked()
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every matching local listener, then hands it to the
// bridge for cross-process fan-out when one is attached.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.deliver(e)

	b.mu.Lock()
	fwd := b.fwd
	b.mu.Unlock()
	if fwd != nil {
		fwd.forward(ctx, e)
	}
}

// deliver runs local fan-out only. The bridge injects remote events here so
// they are never forwarded back out, which would echo between processes.
func (b *Bus) deliver(e Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.filter.matches(e) {
			sub.listener(e)
		}
	}
}

// attach installs the bridge and immediately reports the current
// subscription demand so the bridge can open channels for it.
func (b *Bus) attach(f forwarder) {
	b.mu.Lock()
	b.fwd = f
	b.notifyLocked()
	b.mu.Unlock()
}

// notifyLocked reports current demand to the bridge. Callers hold b.mu.
func (b *Bus) notifyLocked() {
	if b.fwd == nil {
		return
	}
	all := false
	seen := make(map[string]struct{})
	var jobIDs []string
	for _, sub := range b.subs {
		if sub.filter.AllJobs {
			all = true
			continue
		}
		for _, jid := range sub.filter.JobIDs {
			key := jid.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			jobIDs = append(jobIDs, key)
		}
	}
	b.fwd.subscriptionsChanged(all, jobIDs)
}
