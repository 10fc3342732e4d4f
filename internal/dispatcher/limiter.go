package dispatcher

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// hostLimiters throttles outbound requests per destination host. A nil
// *hostLimiters never waits.
type hostLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newHostLimiters(rps float64, burst int) *hostLimiters {
	if rps <= 0 {
		return nil
	}
	return &hostLimiters{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until a request to host is allowed or ctx is done.
func (h *hostLimiters) Wait(ctx context.Context, host string) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(h.limit, h.burst)
		h.limiters[host] = l
	}
	h.mu.Unlock()
	return l.Wait(ctx)
}
