package stagehand

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("stagehand: parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("stagehand: invalid duration value %q", value.Value)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds configuration for all stagehand subsystems. API and worker
// processes load the same file; fields irrelevant to a role are ignored.
type Config struct {
	// PostgresURL is the connection string for the job store.
	PostgresURL string `yaml:"postgres_url"`

	// RedisAddr is the host:port of the Redis coordination instance.
	RedisAddr string `yaml:"redis_addr"`

	// AMQPURL is the connection string for the durable work queue broker.
	AMQPURL string `yaml:"amqp_url"`

	// Queue is the name of the work queue jobs are enqueued to.
	Queue string `yaml:"queue"`

	// Concurrency is the number of jobs a worker processes concurrently.
	Concurrency int `yaml:"concurrency"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	Semaphore SemaphoreConfig `yaml:"semaphore"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Janitor   JanitorConfig   `yaml:"janitor"`
}

// SemaphoreConfig bounds expensive pipeline operations across all workers.
type SemaphoreConfig struct {
	// Max is the number of leases that may be held simultaneously.
	Max int `yaml:"max"`

	// LeaseTTL is how long a lease survives a crashed holder.
	LeaseTTL Duration `yaml:"lease_ttl"`

	// WaitTimeout bounds each blocking wait before re-checking availability.
	WaitTimeout Duration `yaml:"wait_timeout"`
}

// RateLimitConfig controls per-identifier submission admission.
type RateLimitConfig struct {
	// Enabled toggles rate limiting. When false the engine installs the
	// always-admit stand-in limiter.
	Enabled bool `yaml:"enabled"`

	// Window and Limit define the main sliding window.
	Window Duration `yaml:"window"`
	Limit  int      `yaml:"limit"`

	// BurstWindow and BurstLimit define the short overlapping window.
	BurstWindow Duration `yaml:"burst_window"`
	BurstLimit  int      `yaml:"burst_limit"`
}

// JanitorConfig controls the stuck-job sweep.
type JanitorConfig struct {
	// Schedule is a cron expression for the sweep cadence.
	Schedule string `yaml:"schedule"`

	// MaxRuntime is how long a job may sit in running before the sweep
	// fails it.
	MaxRuntime Duration `yaml:"max_runtime"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Queue:           "stagehand.jobs",
		Concurrency:     4,
		ShutdownTimeout: Duration(30 * time.Second),
		Semaphore: SemaphoreConfig{
			Max:         2,
			LeaseTTL:    Duration(15 * time.Minute),
			WaitTimeout: Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Window:      Duration(time.Minute),
			Limit:       10,
			BurstWindow: Duration(10 * time.Second),
			BurstLimit:  20,
		},
		Janitor: JanitorConfig{
			Schedule:   "*/5 * * * *",
			MaxRuntime: Duration(time.Hour),
		},
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("stagehand: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("stagehand: parse config %s: %w", path, err)
	}
	return cfg, nil
}
