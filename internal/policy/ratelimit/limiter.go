// Package ratelimit paces requests per crawl group with token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/IINGS/Crawler/internal/metrics"
)

// Limiter manages per-group rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  toLimit(cfg.DefaultRPS),
		defaultBurst: max(cfg.DefaultBurst, 1),
	}
}

// SetGroup installs a dedicated bucket for group. A non-positive rps means
// the group is unlimited.
func (l *Limiter) SetGroup(group string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[group] = rate.NewLimiter(toLimit(rps), max(burst, 1))
}

// Wait blocks until group may issue its next request.
func (l *Limiter) Wait(ctx context.Context, group string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[group]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[group] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(group, waited)
	}
	return nil
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}
