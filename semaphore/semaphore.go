// Package semaphore provides a Redis-backed counting semaphore bounding
// expensive pipeline operations (encoding, synthesis) across all worker
// processes sharing one Redis instance. The physical resource is finite no
// matter how many workers run, so the cap is enforced globally.
//
// A slot is held as a lease: a SET NX EX key that expires on its own if the
// holder crashes. Admission is controlled solely by the atomic lease claim;
// the holder set and the FIFO wait list are advisory bookkeeping, so at no
// instant can more than Max leases be simultaneously active regardless of
// defects in either. Serving order under contention is approximately, not
// exactly, FIFO.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of redis command surface the semaphore needs.
// *redis.Client satisfies it.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LPop(ctx context.Context, key string) *redis.StringCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
}

// DefaultLeaseTTL bounds how long a crashed holder blocks a slot.
const DefaultLeaseTTL = 15 * time.Minute

// DefaultWaitTimeout bounds each blocking wait before re-checking
// availability, so a lost wake signal costs at most one timeout.
const DefaultWaitTimeout = 30 * time.Second

// Semaphore is a distributed counting semaphore. Safe for concurrent use
// from any number of goroutines and processes.
type Semaphore struct {
	client      Client
	name        string
	max         int
	leaseTTL    time.Duration
	waitTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithLeaseTTL sets the lease expiry.
func WithLeaseTTL(d time.Duration) Option {
	return func(s *Semaphore) { s.leaseTTL = d }
}

// WithWaitTimeout sets the per-attempt blocking wait bound.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Semaphore) { s.waitTimeout = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Semaphore) { s.logger = l }
}

// New creates a semaphore named name admitting at most max concurrent leases.
func New(client Client, name string, max int, opts ...Option) *Semaphore {
	s := &Semaphore{
		client:      client,
		name:        name,
		max:         max,
		leaseTTL:    DefaultLeaseTTL,
		waitTimeout: DefaultWaitTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Semaphore) leaseKey(operationID string) string {
	return "stagehand:sema:" + s.name + ":lease:" + operationID
}

func (s *Semaphore) holdersKey() string {
	return "stagehand:sema:" + s.name + ":holders"
}

func (s *Semaphore) waitKey() string {
	return "stagehand:sema:" + s.name + ":wait"
}

// Acquire blocks until a lease is claimed for operationID or ctx is done.
// Any Redis failure propagates; the caller must not proceed with the guarded
// operation when Acquire fails, and must Release on every exit path after it
// succeeds.
func (s *Semaphore) Acquire(ctx context.Context, operationID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		live, err := s.cullAndCount(ctx)
		if err != nil {
			return err
		}

		if live < s.max {
			ok, err := s.client.SetNX(ctx, s.leaseKey(operationID), time.Now().UTC().Format(time.RFC3339), s.leaseTTL).Result()
			if err != nil {
				return fmt.Errorf("stagehand/semaphore: claim lease: %w", err)
			}
			if ok {
				if _, err := s.client.SAdd(ctx, s.holdersKey(), operationID).Result(); err != nil {
					return fmt.Errorf("stagehand/semaphore: record holder: %w", err)
				}
				return nil
			}
		}

		if err := s.waitForSlot(ctx, operationID); err != nil {
			return err
		}
	}
}

// waitForSlot parks the caller on the FIFO wait list until woken or the
// wait bound elapses. Either way the caller re-validates availability.
func (s *Semaphore) waitForSlot(ctx context.Context, operationID string) error {
	if _, err := s.client.RPush(ctx, s.waitKey(), operationID).Result(); err != nil {
		return fmt.Errorf("stagehand/semaphore: join wait list: %w", err)
	}

	vals, err := s.client.BLPop(ctx, s.waitTimeout, s.waitKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Wait bound elapsed; re-check availability from the top.
			return nil
		}
		return fmt.Errorf("stagehand/semaphore: wait for slot: %w", err)
	}

	// BLPop returns [key, value]. If we popped someone else's wake slot,
	// hand it back to the head of the list for the rightful waiter.
	if len(vals) == 2 && vals[1] != operationID {
		if _, err := s.client.LPush(ctx, s.waitKey(), vals[1]).Result(); err != nil {
			return fmt.Errorf("stagehand/semaphore: return wait slot: %w", err)
		}
	}
	return nil
}

// Release drops the lease for operationID and wakes one waiter by popping a
// waiting id and pushing it straight back. That is a wake signal, not a
// hand-off: the woken caller re-validates availability itself.
func (s *Semaphore) Release(ctx context.Context, operationID string) error {
	if _, err := s.client.Del(ctx, s.leaseKey(operationID)).Result(); err != nil {
		return fmt.Errorf("stagehand/semaphore: delete lease: %w", err)
	}
	if _, err := s.client.SRem(ctx, s.holdersKey(), operationID).Result(); err != nil {
		return fmt.Errorf("stagehand/semaphore: remove holder: %w", err)
	}

	next, err := s.client.LPop(ctx, s.waitKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("stagehand/semaphore: pop waiter: %w", err)
	}
	if _, err := s.client.LPush(ctx, s.waitKey(), next).Result(); err != nil {
		return fmt.Errorf("stagehand/semaphore: wake waiter: %w", err)
	}
	return nil
}

// cullAndCount removes holder entries whose lease key has already expired
// and returns the number of live leases. Expiry itself is TTL-driven; the
// cull only keeps the holders set from accumulating dead entries.
func (s *Semaphore) cullAndCount(ctx context.Context) (int, error) {
	holders, err := s.client.SMembers(ctx, s.holdersKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("stagehand/semaphore: list holders: %w", err)
	}

	live := 0
	for _, op := range holders {
		ttl, err := s.client.TTL(ctx, s.leaseKey(op)).Result()
		if err != nil {
			return 0, fmt.Errorf("stagehand/semaphore: lease ttl: %w", err)
		}
		if ttl > 0 {
			live++
			continue
		}
		if _, err := s.client.SRem(ctx, s.holdersKey(), op).Result(); err != nil {
			return 0, fmt.Errorf("stagehand/semaphore: cull holder: %w", err)
		}
		s.logger.Debug("culled expired lease", slog.String("operation_id", op))
	}
	return live, nil
}
