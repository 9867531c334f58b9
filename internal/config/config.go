// Package config validates the timeout hierarchy every worker pool depends
// on: a handler's statement timeout must expire well before the queue
// message it's processing becomes visible to another worker again.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// WorkerConfig tunes one domain's worker pool, including the invariant
// Validate enforces: StatementTimeout < VisibilityTimeout.
type WorkerConfig struct {
	Domain              string
	Concurrency         int
	BatchSize           int
	StatementTimeout    time.Duration
	VisibilityTimeout   time.Duration
	WatchdogInterval    time.Duration
	PollInterval        time.Duration
	StuckThreadBuffer   time.Duration
	MaxDispatchRate     float64 // messages/sec, 0 disables throttling
	MaxAttempts         int
}

// DefaultWorkerConfig returns sane default tuning for domain.
func DefaultWorkerConfig(domain string) WorkerConfig {
	return WorkerConfig{
		Domain:            domain,
		Concurrency:       8,
		BatchSize:         8,
		StatementTimeout:  5 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		WatchdogInterval:  10 * time.Second,
		PollInterval:      1 * time.Second,
		StuckThreadBuffer: 15 * time.Second,
		MaxAttempts:       3,
	}
}

// Validate enforces the timeout hierarchy invariant: a handler's statement
// timeout must expire comfortably before the message it's processing
// becomes visible to another worker, or a slow-but-alive handler would race
// a second worker claiming the same message.
func (c WorkerConfig) Validate() error {
	if c.StatementTimeout <= 0 {
		return fmt.Errorf("config: statement_timeout must be positive")
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("config: visibility_timeout must be positive")
	}
	if c.StatementTimeout >= c.VisibilityTimeout {
		return fmt.Errorf("config: statement_timeout (%s) must be less than visibility_timeout (%s)",
			c.StatementTimeout, c.VisibilityTimeout)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("config: concurrency must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: max_attempts must be positive")
	}
	return nil
}

// Limiter builds a token-bucket limiter for this config's MaxDispatchRate.
// Returns nil when throttling is disabled (MaxDispatchRate <= 0), which
// callers treat as "no limit".
func (c WorkerConfig) Limiter() *rate.Limiter {
	if c.MaxDispatchRate <= 0 {
		return nil
	}
	burst := int(c.MaxDispatchRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.MaxDispatchRate), burst)
}

// FromEnv overlays RCMD_<DOMAIN>_* environment variables onto
// DefaultWorkerConfig(domain). Unset variables keep the default.
func FromEnv(domain string) WorkerConfig {
	cfg := DefaultWorkerConfig(domain)

	if v := envInt(envKey(domain, "CONCURRENCY")); v > 0 {
		cfg.Concurrency = v
	}
	if v := envInt(envKey(domain, "BATCH_SIZE")); v > 0 {
		cfg.BatchSize = v
	}
	if v := envDuration(envKey(domain, "STATEMENT_TIMEOUT")); v > 0 {
		cfg.StatementTimeout = v
	}
	if v := envDuration(envKey(domain, "VISIBILITY_TIMEOUT")); v > 0 {
		cfg.VisibilityTimeout = v
	}
	if v := envDuration(envKey(domain, "WATCHDOG_INTERVAL")); v > 0 {
		cfg.WatchdogInterval = v
	}
	if v := envDuration(envKey(domain, "POLL_INTERVAL")); v > 0 {
		cfg.PollInterval = v
	}
	if v := envFloat(envKey(domain, "MAX_DISPATCH_RATE")); v > 0 {
		cfg.MaxDispatchRate = v
	}
	if v := envInt(envKey(domain, "MAX_ATTEMPTS")); v > 0 {
		cfg.MaxAttempts = v
	}

	return cfg
}

func envKey(domain, suffix string) string {
	return "RCMD_" + upper(domain) + "_" + suffix
}

func upper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'z' {
			out[i] = c - ('a' - 'A')
		}
	}
	return string(out)
}

func envInt(key string) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func envFloat(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return 0
}

func envDuration(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}
