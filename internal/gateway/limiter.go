package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// targetLimiter applies one token bucket per target service.
type targetLimiter struct {
	limit rate.Limit
	burst int
	mu    sync.Mutex
	byKey map[Service]*rate.Limiter
}

// newTargetLimiter returns nil when rps or burst is not positive; a nil
// limiter never blocks.
func newTargetLimiter(rps float64, burst int) *targetLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &targetLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		byKey: make(map[Service]*rate.Limiter),
	}
}

func (l *targetLimiter) Wait(ctx context.Context, service Service) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	lim, ok := l.byKey[service]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byKey[service] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
