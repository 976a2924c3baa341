// Package ratelimit throttles inbound updates per chat identity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const evictEvery = 512

// Limiter keeps one token bucket per identity and drops buckets that have
// been idle for longer than idleTTL.
type Limiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	buckets map[int64]*bucket
	hits    uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter, or nil when perSecond or burst is not positive. A
// nil *Limiter allows everything.
func New(perSecond float64, burst int, idleTTL time.Duration) *Limiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: idleTTL,
		buckets: make(map[int64]*bucket),
	}
}

// Allow reports whether identity may spend one token at now.
func (l *Limiter) Allow(identity int64, now time.Time) bool {
	if l == nil || identity == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[identity]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[identity] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%evictEvery == 0 {
		l.evict(now)
	}
	return allowed
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
