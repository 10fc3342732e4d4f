// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures against one resource (a webhook host)
// and temporarily rejects attempts once a threshold is reached.
//
// States:
//   - Closed: attempts allowed
//   - Open: attempts rejected until the cooldown elapses
//   - HalfOpen: a single probe attempt is allowed
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is invoked after a breaker changes state. It runs without the breaker lock held.
type StateChangeFunc func(key string, from, to State)

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold     int           // Failures before circuit opens (default: 5)
	Cooldown      time.Duration // Time before half-open (default: 30s)
	OnStateChange StateChangeFunc
	Now           func() time.Time // clock, default time.Now
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	key string
	cfg Config

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures
	openedAt time.Time // when the breaker last opened
	probing  bool      // a half-open probe is in flight
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return newKeyed("", cfg)
}

func newKeyed(key string, cfg Config) *Breaker {
	return &Breaker{
		key:   key,
		cfg:   cfg.withDefaults(),
		state: Closed,
	}
}

// Allow reports whether an attempt may proceed. In half-open state only the
// first caller is admitted until it records a result.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true

	switch b.state {
	case Open:
		if b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = HalfOpen
			b.probing = true
		} else {
			allowed = false
		}
	case HalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess records a successful request and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probing = false

	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		if b.state != Open {
			b.openedAt = b.cfg.Now()
		}
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RetryAfter returns how long until an open breaker admits a probe. Zero when not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	remaining := b.cfg.Cooldown - b.cfg.Now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}
