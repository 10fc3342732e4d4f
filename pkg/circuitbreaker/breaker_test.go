package circuitbreaker

import (
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	if cfg.Threshold != 5 {
		t.Errorf("Expected Threshold 5, got %d", cfg.Threshold)
	}
	if cfg.Cooldown != 30*time.Second {
		t.Errorf("Expected Cooldown 30s, got %v", cfg.Cooldown)
	}
}

func TestNew_WithZeroValues(t *testing.T) {
	t.Parallel()
	b := New(Config{})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if b.State() != Closed {
		t.Error("Expected closed state after 4 failures (default threshold is 5)")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Error("Expected open state after 5 failures")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New(Config{Threshold: 3, Cooldown: time.Minute, Now: clock.Now})

	b.RecordFailure()
	b.RecordFailure()
	if !b.Allow() {
		t.Fatal("expected attempts allowed before threshold")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open state, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected Allow() to return false while open")
	}
	if got := b.RetryAfter(); got != time.Minute {
		t.Errorf("RetryAfter() = %v, want 1m", got)
	}
}

func TestBreaker_SingleProbeInHalfOpen(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New(Config{Threshold: 1, Cooldown: 10 * time.Second, Now: clock.Now})

	b.RecordFailure()
	clock.Advance(10 * time.Second)

	if !b.Allow() {
		t.Fatal("expected probe to be admitted after cooldown")
	}
	if b.State() != HalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if b.Allow() {
		t.Error("expected second caller to be rejected while probe in flight")
	}

	b.RecordSuccess()
	if b.State() != Closed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
	if !b.Allow() {
		t.Error("expected attempts allowed after closing")
	}
}

func TestBreaker_ReopensOnFailedProbe(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := New(Config{Threshold: 2, Cooldown: 5 * time.Second, Now: clock.Now})

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(6 * time.Second)
	if !b.Allow() {
		t.Fatal("expected probe to be admitted")
	}

	b.RecordFailure()
	if b.State() != Open {
		t.Fatalf("expected open after failed probe, got %s", b.State())
	}
	if got := b.RetryAfter(); got != 5*time.Second {
		t.Errorf("cooldown should restart at failed probe, RetryAfter() = %v", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := New(Config{Threshold: 1})
	b.RecordFailure()
	b.Reset()

	if b.State() != Closed || b.Failures() != 0 {
		t.Errorf("expected clean closed breaker, got %s with %d failures", b.State(), b.Failures())
	}
	if b.RetryAfter() != 0 {
		t.Error("closed breaker should have no retry delay")
	}
}

func TestBreaker_StateChangeHook(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()

	type change struct {
		key      string
		from, to State
	}
	var (
		mu      sync.Mutex
		changes []change
	)
	reg := NewRegistry(Config{
		Threshold: 1,
		Cooldown:  time.Second,
		Now:       clock.Now,
		OnStateChange: func(key string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, change{key, from, to})
		},
	})

	b := reg.Get("hooks.example.com")
	b.RecordFailure()
	clock.Advance(time.Second)
	b.Allow()
	b.RecordSuccess()

	want := []change{
		{"hooks.example.com", Closed, Open},
		{"hooks.example.com", Open, HalfOpen},
		{"hooks.example.com", HalfOpen, Closed},
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != len(want) {
		t.Fatalf("got %d state changes, want %d: %+v", len(changes), len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, changes[i], want[i])
		}
	}
}

func TestBreaker_StateString(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(DefaultConfig())

	a := reg.Get("a.example.com")
	if reg.Get("a.example.com") != a {
		t.Error("expected the same breaker for the same key")
	}
	if reg.Get("b.example.com") == a {
		t.Error("expected distinct breakers for distinct keys")
	}
}

func TestRegistry_Stats(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(Config{Threshold: 1})

	reg.Get("ok.example.com")
	reg.Get("down-1.example.com").RecordFailure()
	reg.Get("down-2.example.com").RecordFailure()

	stats := reg.Stats()
	if stats.Total != 3 || stats.Open != 2 || stats.Closed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	sort.Strings(stats.OpenKeys)
	if len(stats.OpenKeys) != 2 || stats.OpenKeys[0] != "down-1.example.com" {
		t.Errorf("unexpected open keys: %v", stats.OpenKeys)
	}
}
