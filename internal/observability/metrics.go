// Package observability holds in-process instrumentation shared across the
// coordinator's services: monotonic system counters and the downstream
// circuit breaker.
package observability

import (
	"math"
	"sync/atomic"

	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
)

// SystemMetrics is the coordinator's monotonic counter set. All increments are
// atomic; Snapshot is safe to call from any goroutine and from the HTTP surface.
type SystemMetrics struct {
	opportunitiesSeen    atomic.Int64
	executionsForwarded  atomic.Int64
	executionsSucceeded  atomic.Int64
	totalProfit          atomic.Uint64 // float64 bits
	swapEvents           atomic.Int64
	volumeUSD            atomic.Uint64 // float64 bits
	aggregatesProcessed  atomic.Int64
	priceUpdates         atomic.Int64
	whaleAlerts          atomic.Int64
	streamRecoveries     atomic.Int64
	staleLockRecoveries  atomic.Int64
	dlqWrites            atomic.Int64
	rateLimitDrops       atomic.Int64
	streamConsumerErrors atomic.Int64
}

// NewSystemMetrics returns a zeroed counter set.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{}
}

func addFloat(u *atomic.Uint64, delta float64) {
	for {
		old := u.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if u.CompareAndSwap(old, next) {
			return
		}
	}
}

func loadFloat(u *atomic.Uint64) float64 {
	return math.Float64frombits(u.Load())
}

// OpportunitySeen records one accepted opportunity.
func (m *SystemMetrics) OpportunitySeen() {
	m.opportunitiesSeen.Add(1)
	adapter.OpportunitiesSeenTotal.Inc()
}

// ExecutionForwarded records one forward to the execution stream.
func (m *SystemMetrics) ExecutionForwarded() {
	m.executionsForwarded.Add(1)
	adapter.ExecutionsForwardedTotal.Inc()
}

// ExecutionSucceeded records a successful execution result and its profit.
// Negative profit has already been clamped by the caller.
func (m *SystemMetrics) ExecutionSucceeded(profit float64) {
	m.executionsSucceeded.Add(1)
	addFloat(&m.totalProfit, profit)
	adapter.ExecutionsSucceededTotal.Inc()
	adapter.ProfitTotalUSD.Add(profit)
}

// SwapEvent records one swap event and its USD value.
func (m *SystemMetrics) SwapEvent(usdValue float64) {
	m.swapEvents.Add(1)
	addFloat(&m.volumeUSD, usdValue)
}

// AggregateProcessed records one volume-aggregate window.
func (m *SystemMetrics) AggregateProcessed() { m.aggregatesProcessed.Add(1) }

// PriceUpdate records one price tick.
func (m *SystemMetrics) PriceUpdate() { m.priceUpdates.Add(1) }

// WhaleAlert records one whale alert.
func (m *SystemMetrics) WhaleAlert() { m.whaleAlerts.Add(1) }

// StreamRecovery records one error-burst recovery.
func (m *SystemMetrics) StreamRecovery() { m.streamRecoveries.Add(1) }

// StaleLockRecovery records one stale leader lock takeover.
func (m *SystemMetrics) StaleLockRecovery() { m.staleLockRecoveries.Add(1) }

// DLQWrite records one dead-letter envelope for stream.
func (m *SystemMetrics) DLQWrite(stream string) {
	m.dlqWrites.Add(1)
	adapter.DLQWritesTotal.WithLabelValues(stream).Inc()
}

// RateLimitDrop records one message dropped by the token bucket.
func (m *SystemMetrics) RateLimitDrop(stream string) {
	m.rateLimitDrops.Add(1)
	adapter.StreamMessagesTotal.WithLabelValues(stream, "dropped").Inc()
}

// ConsumerError records one reader-path error and returns the running total.
func (m *SystemMetrics) ConsumerError() int64 {
	return m.streamConsumerErrors.Add(1)
}

// ResetConsumerErrors clears the error-burst counter and returns the previous value.
func (m *SystemMetrics) ResetConsumerErrors() int64 {
	return m.streamConsumerErrors.Swap(0)
}

// ConsumerErrors returns the current error-burst counter.
func (m *SystemMetrics) ConsumerErrors() int64 {
	return m.streamConsumerErrors.Load()
}

// Snapshot returns a point-in-time copy of every counter for the self-report
// envelope and the status endpoint.
func (m *SystemMetrics) Snapshot() map[string]any {
	return map[string]any{
		"opportunitiesSeen":    m.opportunitiesSeen.Load(),
		"executionsForwarded":  m.executionsForwarded.Load(),
		"executionsSucceeded":  m.executionsSucceeded.Load(),
		"totalProfit":          loadFloat(&m.totalProfit),
		"swapEvents":           m.swapEvents.Load(),
		"volumeUSD":            loadFloat(&m.volumeUSD),
		"aggregatesProcessed":  m.aggregatesProcessed.Load(),
		"priceUpdates":         m.priceUpdates.Load(),
		"whaleAlerts":          m.whaleAlerts.Load(),
		"streamRecoveries":     m.streamRecoveries.Load(),
		"staleLockRecoveries":  m.staleLockRecoveries.Load(),
		"dlqWrites":            m.dlqWrites.Load(),
		"rateLimitDrops":       m.rateLimitDrops.Load(),
		"streamConsumerErrors": m.streamConsumerErrors.Load(),
	}
}
