// Package queue moves job references between processes. The broker carries
// only job IDs; the store is the source of truth for everything else, so a
// redelivered or duplicated message is harmless once the job has moved on.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/narravox/stagehand/backoff"
	"github.com/narravox/stagehand/id"
)

// DefaultMaxAttempts is how many times a job message is delivered before
// it is buried in the dead-letter queue.
const DefaultMaxAttempts = 5

// DefaultPrefetch bounds unacked deliveries per consumer channel.
const DefaultPrefetch = 8

const attemptHeader = "x-attempt"

// Delivery is one dequeued job reference. Exactly one of Ack or Retry must
// be called for every delivery.
type Delivery interface {
	// JobID is the referenced job.
	JobID() string
	// Attempt is 1 for the first delivery and grows with each retry.
	Attempt() int
	// Ack marks the message handled. Call it for successes and for
	// permanent failures already recorded in the store.
	Ack() error
	// Retry schedules a delayed redelivery, or buries the message in
	// the dead-letter queue once attempts are exhausted.
	Retry(ctx context.Context) error
}

// Broker is the durable transport for queued job references.
type Broker interface {
	Enqueue(ctx context.Context, jobID id.JobID) error
	Consume(ctx context.Context) (<-chan Delivery, error)
	Close() error
}

// AMQPBroker is the RabbitMQ-backed Broker. Retries ride TTL queues that
// dead-letter back into the main queue, so a delayed redelivery survives
// process restarts.
type AMQPBroker struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	maxAttempts int
	prefetch    int
	strategy    backoff.Strategy
	logger      *slog.Logger
}

// BrokerOption configures an AMQPBroker.
type BrokerOption func(*AMQPBroker)

// WithMaxAttempts sets the delivery attempt cap.
func WithMaxAttempts(n int) BrokerOption {
	return func(b *AMQPBroker) { b.maxAttempts = n }
}

// WithPrefetch sets the per-consumer unacked message bound.
func WithPrefetch(n int) BrokerOption {
	return func(b *AMQPBroker) { b.prefetch = n }
}

// WithBackoff sets the redelivery delay strategy.
func WithBackoff(s backoff.Strategy) BrokerOption {
	return func(b *AMQPBroker) { b.strategy = s }
}

// WithBrokerLogger sets a custom logger.
func WithBrokerLogger(l *slog.Logger) BrokerOption {
	return func(b *AMQPBroker) { b.logger = l }
}

// NewAMQPBroker connects to url and declares the full topology for queue.
func NewAMQPBroker(url, queue string, opts ...BrokerOption) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("stagehand/queue: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stagehand/queue: open channel: %w", err)
	}

	b := &AMQPBroker{
		conn:        conn,
		ch:          ch,
		queue:       queue,
		maxAttempts: DefaultMaxAttempts,
		prefetch:    DefaultPrefetch,
		strategy:    backoff.DefaultStrategy(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.declareTopology(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) exchange() string      { return b.queue + ".exchange" }
func (b *AMQPBroker) retryExchange() string { return b.queue + ".retry" }
func (b *AMQPBroker) deadExchange() string  { return b.queue + ".dlx" }
func (b *AMQPBroker) deadQueue() string     { return b.queue + ".dead" }

func (b *AMQPBroker) retryQueue(attempt int) string {
	return fmt.Sprintf("%s.retry.%d", b.queue, attempt)
}

func (b *AMQPBroker) retryKey(attempt int) string {
	return fmt.Sprintf("retry.%d", attempt)
}

// declareTopology declares exchanges and queues. Idempotent; every worker
// declares on startup and the first one wins.
func (b *AMQPBroker) declareTopology() error {
	if err := b.ch.ExchangeDeclare(b.exchange(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: declare exchange: %w", err)
	}
	if err := b.ch.ExchangeDeclare(b.retryExchange(), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: declare retry exchange: %w", err)
	}
	if err := b.ch.ExchangeDeclare(b.deadExchange(), "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: declare dead-letter exchange: %w", err)
	}

	if _, err := b.ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: declare queue: %w", err)
	}
	if err := b.ch.QueueBind(b.queue, b.queue, b.exchange(), false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: bind queue: %w", err)
	}

	if _, err := b.ch.QueueDeclare(b.deadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: declare dead-letter queue: %w", err)
	}
	if err := b.ch.QueueBind(b.deadQueue(), "", b.deadExchange(), false, nil); err != nil {
		return fmt.Errorf("stagehand/queue: bind dead-letter queue: %w", err)
	}

	// One TTL queue per retry hop. Expired messages dead-letter straight
	// back into the main queue.
	for attempt := 1; attempt < b.maxAttempts; attempt++ {
		delay := b.strategy.Delay(attempt)
		_, err := b.ch.QueueDeclare(b.retryQueue(attempt), true, false, false, false, amqp.Table{
			"x-message-ttl":             delay.Milliseconds(),
			"x-dead-letter-exchange":    b.exchange(),
			"x-dead-letter-routing-key": b.queue,
		})
		if err != nil {
			return fmt.Errorf("stagehand/queue: declare retry queue %d: %w", attempt, err)
		}
		if err := b.ch.QueueBind(b.retryQueue(attempt), b.retryKey(attempt), b.retryExchange(), false, nil); err != nil {
			return fmt.Errorf("stagehand/queue: bind retry queue %d: %w", attempt, err)
		}
	}
	return nil
}

var _ Broker = (*AMQPBroker)(nil)

// Enqueue publishes a persistent message referencing jobID.
func (b *AMQPBroker) Enqueue(ctx context.Context, jobID id.JobID) error {
	err := b.ch.PublishWithContext(ctx, b.exchange(), b.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(jobID.String()),
		Headers:      amqp.Table{attemptHeader: int64(1)},
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("stagehand/queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Consume starts delivering queued job references. The returned channel
// closes when the AMQP channel does.
func (b *AMQPBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	if err := b.ch.Qos(b.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("stagehand/queue: set prefetch: %w", err)
	}
	raw, err := b.ch.Consume(b.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("stagehand/queue: consume: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- &amqpDelivery{broker: b, raw: d}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close shuts the channel and connection down.
func (b *AMQPBroker) Close() error {
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return fmt.Errorf("stagehand/queue: close channel: %w", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("stagehand/queue: close connection: %w", err)
	}
	return nil
}

type amqpDelivery struct {
	broker *AMQPBroker
	raw    amqp.Delivery
}

func (d *amqpDelivery) JobID() string { return string(d.raw.Body) }

func (d *amqpDelivery) Attempt() int {
	if v, ok := d.raw.Headers[attemptHeader]; ok {
		switch n := v.(type) {
		case int64:
			return int(n)
		case int32:
			return int(n)
		case int:
			return n
		}
	}
	return 1
}

func (d *amqpDelivery) Ack() error {
	if err := d.raw.Ack(false); err != nil {
		return fmt.Errorf("stagehand/queue: ack %s: %w", d.JobID(), err)
	}
	return nil
}

// Retry publishes the message onto the TTL queue for the current attempt
// and acks the original. Past the attempt cap it goes to the dead-letter
// queue instead.
func (d *amqpDelivery) Retry(ctx context.Context) error {
	b := d.broker
	attempt := d.Attempt()

	if attempt >= b.maxAttempts {
		b.logger.Warn("delivery attempts exhausted, dead-lettering",
			slog.String("job_id", d.JobID()),
			slog.Int("attempt", attempt),
		)
		err := b.ch.PublishWithContext(ctx, b.deadExchange(), "", false, false, amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         d.raw.Body,
			Headers:      amqp.Table{attemptHeader: int64(attempt)},
		})
		if err != nil {
			return fmt.Errorf("stagehand/queue: dead-letter %s: %w", d.JobID(), err)
		}
		return d.Ack()
	}

	err := b.ch.PublishWithContext(ctx, b.retryExchange(), b.retryKey(attempt), false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         d.raw.Body,
		Headers:      amqp.Table{attemptHeader: int64(attempt + 1)},
	})
	if err != nil {
		return fmt.Errorf("stagehand/queue: schedule retry %s: %w", d.JobID(), err)
	}
	return d.Ack()
}
