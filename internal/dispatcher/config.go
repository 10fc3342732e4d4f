package dispatcher

import (
	"log/slog"
	"notifier/internal/config"
	"notifier/internal/webhook"
	"time"
)

// Delivery defaults.
const (
	defaultWorkers          = 4
	defaultPollInterval     = time.Second
	defaultBatchSize        = 10
	defaultLeaseTimeout     = 10 * time.Minute
	defaultInactiveDeferral = 5 * time.Minute
	defaultHostBurst        = 1
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// MinLeaseTimeout is the shortest accepted lease: the longest request timeout
// a subscription may set plus a minute for throttling and bookkeeping.
const MinLeaseTimeout = webhook.MaxTimeoutSeconds*time.Second + time.Minute

// Config holds configuration for the dispatcher and its worker pool.
type Config struct {
	Workers          int           // concurrent polling workers (default: 4)
	PollInterval     time.Duration // idle wait between claims (default: 1s)
	BatchSize        int           // events claimed per poll (default: 10)
	LeaseTimeout     time.Duration // processing events older than this are reclaimable (default: 10m, min: MinLeaseTimeout)
	InactiveDeferral time.Duration // how long events of inactive subscriptions are pushed back (default: 5m)
	HostRPS          float64       // per-host request rate, 0 = unlimited
	HostBurst        int           // per-host burst (default: 1)
	BreakerThreshold int           // consecutive failures before a host's circuit opens (default: 5)
	BreakerCooldown  time.Duration // open circuit wait before a probe (default: 30s)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workers:          config.GetIntEnv("DISPATCHER_WORKERS", defaultWorkers),
		PollInterval:     config.GetDurationEnv("DISPATCHER_POLL_INTERVAL", defaultPollInterval),
		BatchSize:        config.GetIntEnv("DISPATCHER_BATCH_SIZE", defaultBatchSize),
		LeaseTimeout:     config.GetDurationEnv("DISPATCHER_LEASE_TIMEOUT", defaultLeaseTimeout),
		InactiveDeferral: config.GetDurationEnv("DISPATCHER_INACTIVE_DEFERRAL", defaultInactiveDeferral),
		HostRPS:          config.GetFloatEnv("DISPATCHER_HOST_RPS", 0),
		HostBurst:        config.GetIntEnv("DISPATCHER_HOST_BURST", defaultHostBurst),
		BreakerThreshold: config.GetIntEnv("DISPATCHER_BREAKER_THRESHOLD", defaultBreakerThreshold),
		BreakerCooldown:  config.GetDurationEnv("DISPATCHER_BREAKER_COOLDOWN", defaultBreakerCooldown),
	}
	if cfg.LeaseTimeout > 0 && cfg.LeaseTimeout < MinLeaseTimeout {
		slog.Warn("Lease timeout below the longest request timeout, raised",
			"configured", cfg.LeaseTimeout, "leaseTimeout", MinLeaseTimeout)
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = defaultLeaseTimeout
	}
	if c.LeaseTimeout < MinLeaseTimeout {
		c.LeaseTimeout = MinLeaseTimeout
	}
	if c.InactiveDeferral <= 0 {
		c.InactiveDeferral = defaultInactiveDeferral
	}
	if c.HostRPS < 0 {
		c.HostRPS = 0
	}
	if c.HostBurst <= 0 {
		c.HostBurst = defaultHostBurst
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	return c
}
