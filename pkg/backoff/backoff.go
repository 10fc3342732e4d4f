// Package backoff computes retry delays.
package backoff

import (
	"time"
)

// DefaultInitial is the base delay used when Config.Initial is unset.
const DefaultInitial = time.Minute

// ceiling bounds any computed delay so doubling never overflows time.Duration.
const ceiling = time.Duration(1<<62 - 1)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 1m
	Max     time.Duration // default: uncapped
}

// Exponential returns Initial * 2^(attempt-1).
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
// Attempts below 1 are treated as 1.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := DefaultInitial
	var maxBackoff time.Duration
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		attempt = 1
	}

	d := initial
	for i := 1; i < attempt; i++ {
		if d > ceiling/2 {
			d = ceiling
			break
		}
		d *= 2
	}
	if maxBackoff > 0 && d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Seconds is Exponential with the base expressed in whole seconds, as stored on subscriptions.
func Seconds(attempt, baseSeconds int) time.Duration {
	return Exponential(attempt, &Config{Initial: time.Duration(baseSeconds) * time.Second})
}
