// Package ratelimit bounds job submission per owner with a Redis-backed
// sliding window. Two windows are checked per decision: a main window that
// sets the sustained rate, and a short burst window that caps spikes inside
// it. The limiter fails closed: if the backing store cannot be consulted,
// submission is denied rather than letting an outage disable the limit.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result is a single admission decision.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is how many requests are left in the main window after
	// this decision.
	Remaining int
	// RetryAfter is how long the caller should wait before retrying.
	// Zero when Allowed.
	RetryAfter time.Duration
	// Limit is the main-window limit the decision was made against.
	Limit int
}

// Limiter decides whether a request identified by a caller-chosen key may
// proceed. Implementations never return an error to the caller; a limiter
// that cannot decide must deny.
type Limiter interface {
	Allow(ctx context.Context, identifier string) Result
}

// MinRetryAfter is the floor on the retry hint handed to rejected callers,
// keeping clients from hammering the limiter at the window edge.
const MinRetryAfter = 30 * time.Second

// Client is the subset of redis command surface the limiter needs.
// *redis.Client satisfies it.
type Client interface {
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// SlidingWindow is a Redis sorted-set sliding window limiter. Each request
// is a set member scored by its arrival time; eviction of members older
// than the window keeps the count exact without fixed-bucket boundary
// effects.
type SlidingWindow struct {
	client      Client
	window      time.Duration
	limit       int
	burstWindow time.Duration
	burstLimit  int
	logger      *slog.Logger
	now         func() time.Time

	seq atomic.Uint64
}

// Option configures a SlidingWindow.
type Option func(*SlidingWindow)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(sw *SlidingWindow) { sw.logger = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) { sw.now = now }
}

// NewSlidingWindow creates a limiter admitting at most limit requests per
// window and at most burstLimit requests per burstWindow.
func NewSlidingWindow(client Client, window time.Duration, limit int, burstWindow time.Duration, burstLimit int, opts ...Option) *SlidingWindow {
	sw := &SlidingWindow{
		client:      client,
		window:      window,
		limit:       limit,
		burstWindow: burstWindow,
		burstLimit:  burstLimit,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

var _ Limiter = (*SlidingWindow)(nil)

func mainKey(identifier string) string {
	return "stagehand:ratelimit:" + identifier + ":main"
}

func burstKey(identifier string) string {
	return "stagehand:ratelimit:" + identifier + ":burst"
}

// Allow evicts expired entries from both windows, counts what remains, and
// either rejects with a retry hint or records the request in both windows.
// Any Redis failure denies the request.
func (sw *SlidingWindow) Allow(ctx context.Context, identifier string) Result {
	now := sw.now().UTC()

	mainCount, err := sw.evictAndCount(ctx, mainKey(identifier), now, sw.window)
	if err != nil {
		return sw.denyOnError(identifier, err)
	}
	burstCount, err := sw.evictAndCount(ctx, burstKey(identifier), now, sw.burstWindow)
	if err != nil {
		return sw.denyOnError(identifier, err)
	}

	if mainCount >= int64(sw.limit) {
		retryAfter, err := sw.mainRetryAfter(ctx, identifier, now)
		if err != nil {
			return sw.denyOnError(identifier, err)
		}
		return Result{Allowed: false, Remaining: 0, RetryAfter: retryAfter, Limit: sw.limit}
	}

	if burstCount >= int64(sw.burstLimit) {
		return Result{
			Allowed:    false,
			Remaining:  int(max(int64(0), int64(sw.limit)-mainCount)),
			RetryAfter: sw.burstWindow,
			Limit:      sw.limit,
		}
	}

	if err := sw.record(ctx, identifier, now); err != nil {
		return sw.denyOnError(identifier, err)
	}

	return Result{
		Allowed:   true,
		Remaining: int(max(int64(0), int64(sw.limit)-(mainCount+1))),
		Limit:     sw.limit,
	}
}

// evictAndCount drops members older than the window and returns the count
// of what is left.
func (sw *SlidingWindow) evictAndCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	floor := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	if _, err := sw.client.ZRemRangeByScore(ctx, key, "0", floor).Result(); err != nil {
		return 0, fmt.Errorf("evict %s: %w", key, err)
	}
	count, err := sw.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return count, nil
}

// mainRetryAfter derives the hint from when the oldest surviving entry
// ages out of the main window, clamped to [MinRetryAfter, window].
func (sw *SlidingWindow) mainRetryAfter(ctx context.Context, identifier string, now time.Time) (time.Duration, error) {
	entries, err := sw.client.ZRangeWithScores(ctx, mainKey(identifier), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("oldest entry: %w", err)
	}
	retryAfter := sw.window
	if len(entries) > 0 {
		oldest := time.Unix(0, int64(entries[0].Score))
		retryAfter = oldest.Add(sw.window).Sub(now)
	}
	if retryAfter < MinRetryAfter {
		retryAfter = MinRetryAfter
	}
	if retryAfter > sw.window {
		retryAfter = sw.window
	}
	return retryAfter, nil
}

// record adds the request to both windows and refreshes their expiry so
// idle keys vanish on their own.
func (sw *SlidingWindow) record(ctx context.Context, identifier string, now time.Time) error {
	score := float64(now.UnixNano())
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(sw.seq.Add(1), 10)

	if _, err := sw.client.ZAdd(ctx, mainKey(identifier), redis.Z{Score: score, Member: member}).Result(); err != nil {
		return fmt.Errorf("record main: %w", err)
	}
	if _, err := sw.client.ZAdd(ctx, burstKey(identifier), redis.Z{Score: score, Member: member}).Result(); err != nil {
		return fmt.Errorf("record burst: %w", err)
	}
	if _, err := sw.client.Expire(ctx, mainKey(identifier), sw.window).Result(); err != nil {
		return fmt.Errorf("expire main: %w", err)
	}
	if _, err := sw.client.Expire(ctx, burstKey(identifier), sw.burstWindow).Result(); err != nil {
		return fmt.Errorf("expire burst: %w", err)
	}
	return nil
}

func (sw *SlidingWindow) denyOnError(identifier string, err error) Result {
	sw.logger.Error("rate limit store unavailable, denying",
		slog.String("identifier", identifier),
		slog.Any("error", err),
	)
	return Result{Allowed: false, Remaining: 0, RetryAfter: MinRetryAfter, Limit: sw.limit}
}

// Noop is a stand-in limiter that admits everything. Used when rate
// limiting is disabled in config so callers never branch on nil.
type Noop struct{}

var _ Limiter = Noop{}

// Allow always admits with a generous fixed quota.
func (Noop) Allow(context.Context, string) Result {
	return Result{Allowed: true, Remaining: 1 << 20, Limit: 1 << 20}
}
