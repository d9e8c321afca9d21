package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/narravox/stagehand/id"
)

// Channel names shared by every process on the Redis instance. Each event
// is written to both its per-job channel and the broadcast channel, so a
// consumer picks whichever granularity it needs.
const broadcastChannel = "stagehand:events:all"

func jobChannel(jobID string) string {
	return "stagehand:events:job:" + jobID
}

// Message is one raw pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription whose channel set can change
// while it runs.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Messages() <-chan Message
	Close() error
}

// Transport abstracts the pub/sub layer so the bridge can be tested
// without a server. RedisTransport is the production implementation.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context) Subscription
}

// envelope is the wire format. SourceID lets each bridge drop its own
// messages when they come back around.
type envelope struct {
	SourceID string          `json:"sourceId"`
	Type     Type            `json:"type"`
	Job      json.RawMessage `json:"job"`
}

// Bridge connects a local Bus to the shared pub/sub fabric. Outbound, it
// forwards every locally published event; inbound, it injects remote events
// into local delivery. All transport failures are logged and swallowed.
type Bridge struct {
	bus        *Bus
	transport  Transport
	instanceID string
	logger     *slog.Logger

	mu      sync.Mutex
	sub     Subscription
	current map[string]struct{}
	desired map[string]struct{}
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets a custom logger.
func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

// NewBridge wires bus and transport together. The bus starts forwarding
// through the bridge immediately; call Run to start receiving.
func NewBridge(bus *Bus, transport Transport, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		bus:        bus,
		transport:  transport,
		instanceID: id.NewBridgeID().String(),
		logger:     slog.Default(),
		current:    make(map[string]struct{}),
		desired:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	bus.attach(b)
	return b
}

// InstanceID returns this bridge's wire identity.
func (b *Bridge) InstanceID() string { return b.instanceID }

// Run receives remote events until ctx is done. Malformed payloads and
// self-echoes are dropped.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.sub = b.transport.Subscribe(ctx)
	b.mu.Unlock()
	b.syncChannels(ctx)

	defer func() {
		b.mu.Lock()
		sub := b.sub
		b.sub = nil
		b.mu.Unlock()
		if sub != nil {
			if err := sub.Close(); err != nil {
				b.logger.Warn("close event subscription", slog.Any("error", err))
			}
		}
	}()

	b.mu.Lock()
	msgs := b.sub.Messages()
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.handle(msg)
		}
	}
}

func (b *Bridge) handle(msg Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		b.logger.Warn("drop malformed event payload",
			slog.String("channel", msg.Channel),
			slog.Any("error", err),
		)
		return
	}
	if env.SourceID == b.instanceID {
		return
	}

	e := Event{Type: env.Type}
	if err := json.Unmarshal(env.Job, &e.Job); err != nil {
		b.logger.Warn("drop event with malformed job snapshot",
			slog.String("channel", msg.Channel),
			slog.Any("error", err),
		)
		return
	}

	// Local delivery only. Re-publishing would put the event back on the
	// wire and two bridges would bounce it forever.
	b.bus.deliver(e)
}

// forward writes e to its per-job channel and the broadcast channel.
// Implements the bus forwarder contract.
func (b *Bridge) forward(ctx context.Context, e Event) {
	jobJSON, err := json.Marshal(e.Job)
	if err != nil {
		b.logger.Error("encode event job snapshot", slog.Any("error", err))
		return
	}
	payload, err := json.Marshal(envelope{
		SourceID: b.instanceID,
		Type:     e.Type,
		Job:      jobJSON,
	})
	if err != nil {
		b.logger.Error("encode event envelope", slog.Any("error", err))
		return
	}

	for _, channel := range []string{jobChannel(e.Job.ID.String()), broadcastChannel} {
		if err := b.transport.Publish(ctx, channel, payload); err != nil {
			b.logger.Warn("forward event",
				slog.String("channel", channel),
				slog.String("type", string(e.Type)),
				slog.Any("error", err),
			)
		}
	}
}

// subscriptionsChanged records the bus's current demand and resyncs the
// transport subscription. An all-jobs subscriber collapses demand to the
// broadcast channel alone, since every event is also written there;
// holding per-job channels open too would deliver remote events twice.
func (b *Bridge) subscriptionsChanged(all bool, jobIDs []string) {
	b.mu.Lock()
	b.desired = make(map[string]struct{})
	if all {
		b.desired[broadcastChannel] = struct{}{}
	} else {
		for _, jid := range jobIDs {
			b.desired[jobChannel(jid)] = struct{}{}
		}
	}
	b.mu.Unlock()

	b.syncChannels(context.Background())
}

// syncChannels diffs desired against current and applies the difference.
func (b *Bridge) syncChannels(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return
	}

	var add, remove []string
	for ch := range b.desired {
		if _, ok := b.current[ch]; !ok {
			add = append(add, ch)
		}
	}
	for ch := range b.current {
		if _, ok := b.desired[ch]; !ok {
			remove = append(remove, ch)
		}
	}

	if len(add) > 0 {
		if err := b.sub.Subscribe(ctx, add...); err != nil {
			b.logger.Warn("subscribe event channels", slog.Any("error", err))
			return
		}
		for _, ch := range add {
			b.current[ch] = struct{}{}
		}
	}
	if len(remove) > 0 {
		if err := b.sub.Unsubscribe(ctx, remove...); err != nil {
			b.logger.Warn("unsubscribe event channels", slog.Any("error", err))
			return
		}
		for _, ch := range remove {
			delete(b.current, ch)
		}
	}
}

// ── redis transport ──

// RedisTransport implements Transport over a go-redis client.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps client as an event transport.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

var _ Transport = (*RedisTransport)(nil)

// Publish sends payload on channel.
func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("stagehand/event: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens an empty subscription; channels are added as demand
// appears.
func (t *RedisTransport) Subscribe(ctx context.Context) Subscription {
	return &redisSubscription{pubsub: t.client.Subscribe(ctx)}
}

type redisSubscription struct {
	pubsub *redis.PubSub

	once sync.Once
	out  chan Message
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("stagehand/event: subscribe: %w", err)
	}
	return nil
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("stagehand/event: unsubscribe: %w", err)
	}
	return nil
}

func (s *redisSubscription) Messages() <-chan Message {
	s.once.Do(func() {
		s.out = make(chan Message)
		go func() {
			defer close(s.out)
			for msg := range s.pubsub.Channel() {
				s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
			}
		}()
	})
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
