package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceLimiter keeps one token bucket per inbound caller key.
type sourceLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	limiterIdle    = 10 * time.Minute
	limiterMaxKeys = 10000
)

// newSourceLimiter returns nil (no limiting) when rps is not positive.
func newSourceLimiter(rps float64, burst int) *sourceLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps) + 1
	}
	return &sourceLimiter{rps: rate.Limit(rps), burst: burst, buckets: map[string]*bucket{}}
}

func (l *sourceLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= limiterMaxKeys {
			l.evict(now)
		}
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// evict drops idle buckets; caller holds mu.
func (l *sourceLimiter) evict(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) > limiterIdle {
			delete(l.buckets, k)
		}
	}
}
