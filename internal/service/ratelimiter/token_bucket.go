// Package ratelimiter provides the per-stream token bucket gating ingestion.
package ratelimiter

import (
	"sync"
	"time"
)

// Limiter admits or drops one unit of work per key.
type Limiter interface {
	Allow(key string) bool
}

// BucketConfig sizes one token bucket.
type BucketConfig struct {
	// MaxTokens is the bucket capacity and the initial burst allowance.
	MaxTokens float64
	// RefillPeriod is the time over which a full MaxTokens refill accrues.
	RefillPeriod time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// TokenBucket is an in-memory per-key token bucket. Refill is proportional:
// elapsed/refillPeriod × maxTokens tokens accrue continuously, so sub-period
// bursts are not starved by discrete whole-period refills.
type TokenBucket struct {
	mu      sync.Mutex
	cfg     BucketConfig
	buckets map[string]*bucket
	now     func() time.Time
}

// NewTokenBucket creates a limiter where every key shares the same sizing.
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	return &TokenBucket{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow deducts one token for key, refilling fractionally first. A new key
// starts with a full bucket.
func (l *TokenBucket) Allow(key string) bool {
	if l == nil || l.cfg.MaxTokens <= 0 || l.cfg.RefillPeriod <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.cfg.MaxTokens, lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := float64(elapsed) / float64(l.cfg.RefillPeriod) * l.cfg.MaxTokens
		b.tokens += refill
		if b.tokens > l.cfg.MaxTokens {
			b.tokens = l.cfg.MaxTokens
		}
		b.lastRefill = now
	}

	b.tokens--
	if b.tokens >= 0 {
		return true
	}
	// Denied calls do not accrue debt; the deduction is undone so a refill
	// admits a full burst again.
	b.tokens++
	return false
}

// Tokens reports the current token count for key without deducting.
func (l *TokenBucket) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return l.cfg.MaxTokens
	}
	return b.tokens
}
