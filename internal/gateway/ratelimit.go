package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/basket/cubicle/internal/config"
)

// rateBucket tracks the remaining request allowance for one caller. Tokens
// refill continuously at the configured per-minute rate up to the burst cap.
type rateBucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// RateLimiter throttles ops API callers keyed by bearer token, falling back
// to the remote address for unauthenticated requests. Health and metrics
// probes are never throttled.
type RateLimiter struct {
	cfg config.RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// Allow consumes one token for key, reporting whether the request may
// proceed.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.cfg.Enabled {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &rateBucket{tokens: float64(rl.cfg.BurstSize), lastRefill: now}
		rl.buckets[key] = b
	}

	refill := now.Sub(b.lastRefill).Minutes() * float64(rl.cfg.RequestsPerMinute)
	if refill > 0 {
		b.tokens += refill
		if max := float64(rl.cfg.BurstSize); b.tokens > max {
			b.tokens = max
		}
		b.lastRefill = now
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// EvictStale drops buckets idle longer than maxIdle and returns how many
// were removed.
func (rl *RateLimiter) EvictStale(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

// StartEviction sweeps stale buckets on interval until ctx is cancelled.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxIdle)
			}
		}
	}()
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap enforces the limit in front of next. Rejected requests get a 429
// with a Retry-After hint.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		key := extractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
