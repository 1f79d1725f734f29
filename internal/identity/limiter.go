package identity

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// attemptLimiter keeps one token bucket per account so a guessing run against
// one email does not lock out the others. Idle buckets are dropped after ttl.
type attemptLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	entries map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAttemptLimiter(limit rate.Limit, burst int, ttl time.Duration) *attemptLimiter {
	return &attemptLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		entries: make(map[string]*bucket),
	}
}

func (l *attemptLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.entries[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = b
	}
	b.lastSeen = now

	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}
	return b.lim.AllowN(now, 1)
}
