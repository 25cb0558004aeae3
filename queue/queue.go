package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dcrouter/mtpcore"
)

// Limiter hands out per-bare-DC restart permission. It is safe for
// concurrent use.
type Limiter struct {
	mu       sync.Mutex
	rate     float64
	burst    int
	limiters map[mtpcore.BareDcId]*rate.Limiter
}

// NewLimiter creates a Limiter with the given sustained rate (restarts
// per second) and burst size, applied independently per bare DC.
func NewLimiter(r float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		rate:     r,
		burst:    burst,
		limiters: make(map[mtpcore.BareDcId]*rate.Limiter),
	}
}

// Allow reports whether a restart for bare may proceed now. A zero or
// negative configured rate disables throttling entirely (Allow always
// true).
func (l *Limiter) Allow(bare mtpcore.BareDcId) bool {
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[bare]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.limiters[bare] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
