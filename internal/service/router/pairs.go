package router

import (
	"sync"
	"time"

	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/domain"
)

// Pairs tracks trading pairs with recent swap/volume/price activity.
type Pairs struct {
	mu    sync.Mutex
	pairs map[string]domain.ActivePair
	ttl   time.Duration
}

// NewPairs creates a pair tracker with the given inactivity TTL.
func NewPairs(ttl time.Duration) *Pairs {
	return &Pairs{pairs: make(map[string]domain.ActivePair), ttl: ttl}
}

// Touch upserts a pair's last-seen timestamp.
func (p *Pairs) Touch(key, chain, dex string, seenMs int64) {
	if key == "" {
		return
	}
	p.mu.Lock()
	p.pairs[key] = domain.ActivePair{LastSeen: seenMs, Chain: chain, Dex: dex}
	size := len(p.pairs)
	p.mu.Unlock()
	adapter.ActivePairsGauge.Set(float64(size))
}

// Cleanup removes pairs unseen for longer than the TTL.
func (p *Pairs) Cleanup(now time.Time) (removed int) {
	cutoff := now.UnixMilli() - p.ttl.Milliseconds()
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, pair := range p.pairs {
		if pair.LastSeen < cutoff {
			delete(p.pairs, key)
			removed++
		}
	}
	adapter.ActivePairsGauge.Set(float64(len(p.pairs)))
	return removed
}

// Size returns the tracked pair count.
func (p *Pairs) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pairs)
}

// Snapshot returns defensive copies for the HTTP surface.
func (p *Pairs) Snapshot() map[string]domain.ActivePair {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]domain.ActivePair, len(p.pairs))
	for k, v := range p.pairs {
		out[k] = v
	}
	return out
}

// Clear empties the tracker on shutdown.
func (p *Pairs) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs = make(map[string]domain.ActivePair)
}
