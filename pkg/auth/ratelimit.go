package auth

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether an identity may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// TierConfig is the rate limit of one service tier.
type TierConfig struct {
	RequestsPerMinute int

	// Burst is the bucket size (default: RequestsPerMinute/10, at least 1).
	Burst int
}

// TierLimiter keeps one token bucket per subject and tier. Identities in
// a tier without configuration use the "default" tier; when that is missing
// too, they are not limited.
type TierLimiter struct {
	tiers map[string]TierConfig

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTierLimiter creates a limiter with per-tier configuration.
func NewTierLimiter(tiers map[string]TierConfig) *TierLimiter {
	return &TierLimiter{
		tiers:   tiers,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the identity's bucket.
func (l *TierLimiter) Allow(_ context.Context, identity *Identity) error {
	tier := identity.Tier()
	tc, ok := l.tiers[tier]
	if !ok {
		tc, ok = l.tiers[DefaultTier]
	}
	if !ok || tc.RequestsPerMinute <= 0 {
		return nil
	}

	key := identity.Subject + ":" + tier
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		burst := tc.Burst
		if burst <= 0 {
			burst = max(tc.RequestsPerMinute/10, 1)
		}
		b = rate.NewLimiter(rate.Limit(float64(tc.RequestsPerMinute)/60), burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if !b.Allow() {
		return ErrTooManyRequests
	}
	return nil
}
