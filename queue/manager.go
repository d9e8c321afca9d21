package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines local dequeue behaviour for one queue.
type Config struct {
	// Name is the queue identifier.
	Name string

	// MaxConcurrency limits how many deliveries from this queue may be
	// in flight in this process at once. Zero means no queue-specific
	// limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained deliveries per second this
	// process will take from the queue. Zero disables pacing.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket pacer.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Manager paces local dequeue per queue. This is process-local back
// pressure on top of the broker's prefetch; the cluster-wide submission
// limit lives in the ratelimit package and the cluster-wide work cap in
// the semaphore.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

// Acquire checks pacing and concurrency for queue. When it returns true
// the caller holds a slot and must Release it when the work completes.
// When it returns false the caller should leave the delivery for later.
func (m *Manager) Acquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.limiter != nil && !qs.limiter.Allow() {
		return false
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	qs.active++
	return true
}

// Release returns a slot taken by Acquire.
func (m *Manager) Release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetQueueConfig updates (or creates) a queue configuration, preserving
// the current active count.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.queues[cfg.Name]
	qs := newQueueState(cfg)
	if existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// ActiveCount returns the number of in-flight deliveries for queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
