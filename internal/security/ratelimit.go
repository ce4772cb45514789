package security

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a request exceeds the rate limit.
var ErrRateLimited = errors.New("rate limit exceeded")

// Rate limit bucket kinds.
const (
	KindAuth    = "auth"
	KindConnect = "connect"
)

// RateLimitConfig holds per-minute limits for the gateway. A zero field takes
// its default; a negative field disables the bucket.
type RateLimitConfig struct {
	AuthPerMin    int `yaml:"auth_per_min"`
	ConnectPerMin int `yaml:"connect_per_min"`
}

func rateLimitConfigDefaults() RateLimitConfig {
	return RateLimitConfig{
		AuthPerMin:    60,
		ConnectPerMin: 600,
	}
}

// RateLimiter implements sliding window rate limiting.
// Each bucket tracks timestamps of recent events within its window.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	window time.Duration
	limit  int
	events []time.Time
}

// NewRateLimiter creates a rate limiter with the given config.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	defaults := rateLimitConfigDefaults()
	if cfg.AuthPerMin == 0 {
		cfg.AuthPerMin = defaults.AuthPerMin
	}
	if cfg.ConnectPerMin == 0 {
		cfg.ConnectPerMin = defaults.ConnectPerMin
	}

	rl := &RateLimiter{
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	if cfg.AuthPerMin > 0 {
		rl.buckets[KindAuth] = &bucket{window: time.Minute, limit: cfg.AuthPerMin}
	}
	if cfg.ConnectPerMin > 0 {
		rl.buckets[KindConnect] = &bucket{window: time.Minute, limit: cfg.ConnectPerMin}
	}
	return rl
}

// Allow checks whether an event of the given kind is allowed.
// Returns nil if allowed, ErrRateLimited if the limit is exceeded.
// Kinds without a bucket are never limited.
func (rl *RateLimiter) Allow(kind string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[kind]
	if !ok {
		return nil
	}

	now := rl.now()
	b.evict(now)

	if len(b.events) >= b.limit {
		return ErrRateLimited
	}

	b.events = append(b.events, now)
	return nil
}

// evict removes events outside the sliding window.
func (b *bucket) evict(now time.Time) {
	cutoff := now.Add(-b.window)
	// Events are chronologically ordered.
	i := 0
	for i < len(b.events) && b.events[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}
