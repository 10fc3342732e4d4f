package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"notifier/internal/webhook"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var errPoolClosed = errors.New("dispatcher pool closed")

// PoolStats holds worker pool statistics.
type PoolStats struct {
	Stats
	Workers int   // configured workers
	Busy    int64 // workers currently dispatching
	Polls   int64 // claim rounds
	Errors  int64 // claim or dispatch errors
}

// Pool runs workers that poll for due events and dispatch them sequentially.
type Pool struct {
	dispatcher *Dispatcher
	config     Config
	workerIDs  []string

	busy   atomic.Int64
	polls  atomic.Int64
	errors atomic.Int64

	// ctx is handed to in-flight dispatches; it is cancelled only when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewPool starts cfg.Workers workers on d.
func NewPool(d *Dispatcher, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		dispatcher: d,
		config:     cfg,
		workerIDs:  workerIDs(cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		shutdown:   make(chan struct{}),
	}

	p.wg.Add(len(p.workerIDs))
	for _, id := range p.workerIDs {
		go p.worker(id)
	}

	d.logger.Info("Dispatcher started",
		"workers", cfg.Workers,
		"pollInterval", cfg.PollInterval,
		"batchSize", cfg.BatchSize,
		"leaseTimeout", cfg.LeaseTimeout,
	)
	return p
}

// workerIDs names workers <hostname>-<n>-<short uuid>, unique across processes.
func workerIDs(n int) []string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d-%s", host, i+1, uuid.NewString()[:8])
	}
	return ids
}

// WorkerIDs returns the ids the pool claims under.
func (p *Pool) WorkerIDs() []string {
	return append([]string(nil), p.workerIDs...)
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Stats:   p.dispatcher.Stats(),
		Workers: len(p.workerIDs),
		Busy:    p.busy.Load(),
		Polls:   p.polls.Load(),
		Errors:  p.errors.Load(),
	}
}

// Ready reports an error once the pool has been closed.
func (p *Pool) Ready(context.Context) error {
	if p.closed.Load() {
		return errPoolClosed
	}
	return nil
}

// Close stops polling and waits for in-flight dispatches. When ctx expires
// first, in-flight requests are cancelled and ctx.Err() is returned; their
// events are recovered by lease expiry.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil // already closed
	}

	p.dispatcher.logger.Info("Dispatcher shutting down", "busy", p.busy.Load())
	close(p.shutdown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		s := p.dispatcher.Stats()
		p.dispatcher.logger.Info("Dispatcher shutdown complete",
			"delivered", s.Delivered,
			"failedAttempts", s.FailedAttempts,
			"exhausted", s.Exhausted,
		)
		return nil
	case <-ctx.Done():
		p.cancel()
		p.dispatcher.logger.Warn("Dispatcher shutdown timed out", "busy", p.busy.Load())
		return ctx.Err()
	}
}

func (p *Pool) worker(id string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		// A full batch suggests more work is due; poll again without waiting.
		for {
			if n := p.poll(id); n < p.config.BatchSize || p.stopping() {
				break
			}
		}

		select {
		case <-p.shutdown:
			return
		case <-ticker.C:
		}
	}
}

// poll claims one batch and dispatches it. Returns the number claimed.
func (p *Pool) poll(id string) int {
	if p.stopping() {
		return 0
	}
	p.polls.Add(1)

	events, err := p.dispatcher.ClaimDueEvents(p.ctx, id, p.config.BatchSize)
	if err != nil {
		p.errors.Add(1)
		p.dispatcher.logger.Error("Claim failed", "worker", id, "error", err)
		return 0
	}
	if len(events) == 0 {
		return 0
	}

	p.setBusy(1)
	defer p.setBusy(-1)

	for i, ev := range events {
		if p.stopping() {
			p.handBack(id, events[i:])
			break
		}
		if _, err := p.dispatcher.Dispatch(p.ctx, ev); err != nil {
			p.errors.Add(1)
			p.dispatcher.logger.Error("Dispatch failed", "worker", id, "eventId", ev.ID, "error", err)
		}
	}
	return len(events)
}

// handBack returns claimed events that were never started.
func (p *Pool) handBack(id string, events []*webhook.Event) {
	p.dispatcher.logger.Info("Worker stopping, returning claimed events", "worker", id, "count", len(events))
	for _, ev := range events {
		if err := p.dispatcher.Return(p.ctx, ev); err != nil {
			p.dispatcher.logger.Warn("Failed to return event, left to lease expiry", "worker", id, "eventId", ev.ID, "error", err)
		}
	}
}

func (p *Pool) setBusy(delta int64) {
	p.busy.Add(delta)
	if p.dispatcher.metrics != nil {
		p.dispatcher.metrics.RecordWorkerBusy(context.Background(), delta)
	}
}

func (p *Pool) stopping() bool {
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}
