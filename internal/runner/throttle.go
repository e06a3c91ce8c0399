package runner

import (
	"context"
	"sync"
	"time"
)

// tokenBucket is a refilling bucket for one user.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(perMinute, burst int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(perMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) last() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// Throttle bounds inbound message fan-out per user. Every user gets an
// independent bucket; stale buckets are evicted so one-off senders do not
// accumulate.
type Throttle struct {
	mu        sync.RWMutex
	buckets   map[int64]*tokenBucket
	perMinute int
	burst     int
}

// NewThrottle builds a per-user throttle. Non-positive settings fall back
// to 10 messages per minute with a burst of 3.
func NewThrottle(perMinute, burst int) *Throttle {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 3
	}
	return &Throttle{
		buckets:   make(map[int64]*tokenBucket),
		perMinute: perMinute,
		burst:     burst,
	}
}

// Allow consumes one token for the user, reporting whether the message may
// proceed.
func (t *Throttle) Allow(userID int64) bool {
	return t.bucket(userID).allow()
}

func (t *Throttle) bucket(userID int64) *tokenBucket {
	t.mu.RLock()
	b, ok := t.buckets[userID]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.buckets[userID]; ok {
		return b
	}
	b = newTokenBucket(t.perMinute, t.burst)
	t.buckets[userID] = b
	return b
}

// StartEviction periodically drops buckets idle past maxAge until ctx ends.
func (t *Throttle) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that have not been touched within maxAge.
func (t *Throttle) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, b := range t.buckets {
		if b.last().Before(cutoff) {
			delete(t.buckets, id)
		}
	}
}

// BucketCount reports tracked users. Test hook.
func (t *Throttle) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}
