// Package guard throttles worker-facing polling endpoints.
package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/taskrelay/taskrelay/internal/domain"
)

// GuardConfig holds the token bucket parameters applied per caller.
type GuardConfig struct {
	RatePerSec float64
	Burst      int
	// IdleTTL is how long an unused bucket is kept before it is forgotten.
	IdleTTL time.Duration
}

// Guard enforces a token bucket per caller key (a worker id).
type Guard struct {
	mu        sync.Mutex
	cfg       GuardConfig
	buckets   map[string]*bucket
	lastPrune time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGuard creates a Guard. A non-positive RatePerSec disables limiting.
func NewGuard(cfg GuardConfig) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &Guard{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// CheckRateLimit consumes one token for key. Returns ErrRateLimitExceeded
// when the bucket is empty.
func (g *Guard) CheckRateLimit(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.RatePerSec <= 0 {
		return nil
	}

	now := g.now()
	if now.Sub(g.lastPrune) > g.cfg.IdleTTL {
		g.pruneLocked(now)
	}

	b, ok := g.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(g.cfg.RatePerSec), g.cfg.Burst)}
		g.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		return domain.Errorf(domain.ErrRateLimitExceeded, "rate limit exceeded for %s", key)
	}
	return nil
}

// SetRate replaces the limits. Existing buckets adopt the new values.
func (g *Guard) SetRate(perSec float64, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if burst <= 0 {
		burst = 1
	}
	g.cfg.RatePerSec = perSec
	g.cfg.Burst = burst
	now := g.now()
	for _, b := range g.buckets {
		b.limiter.SetLimitAt(now, rate.Limit(perSec))
		b.limiter.SetBurstAt(now, burst)
	}
}

// Len returns the number of tracked buckets.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}

func (g *Guard) pruneLocked(now time.Time) {
	for key, b := range g.buckets {
		if now.Sub(b.lastSeen) > g.cfg.IdleTTL {
			delete(g.buckets, key)
		}
	}
	g.lastPrune = now
}
