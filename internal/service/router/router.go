// Package router triages detected opportunities and forwards each one to the
// execution stream exactly once, from the leader only.
//
// The store is bounded and TTL'd: duplicates within a short window are
// dropped, out-of-range profit figures are rejected, and a periodic two-phase
// cleanup evicts expired and surplus records. The per-message path never
// cleans up.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/domain"
	"github.com/sonicx222/arb-coordinator/internal/observability"
)

const (
	duplicateWindowMs = 5000
	minProfitPercent  = -100
	maxProfitPercent  = 10000
)

// AlertFunc delivers router-level alerts (circuit opening).
type AlertFunc func(ctx context.Context, typ string, severity domain.AlertSeverity, message string, details map[string]any)

// Config carries the router's knobs.
type Config struct {
	MaxOpportunities int
	OpportunityTTL   time.Duration
	ForwardStream    string
	InstanceID       string
}

// Router owns the opportunity store and the leader-gated forwarding path.
type Router struct {
	broker   domain.Streams
	cfg      Config
	breaker  *observability.CircuitBreaker
	metrics  *observability.SystemMetrics
	isLeader func() bool
	alert    AlertFunc

	mu            sync.Mutex
	opportunities map[string]domain.Opportunity

	now func() time.Time
}

// New constructs a Router.
func New(broker domain.Streams, cfg Config, breaker *observability.CircuitBreaker, metrics *observability.SystemMetrics, isLeader func() bool, alert AlertFunc) *Router {
	return &Router{
		broker:        broker,
		cfg:           cfg,
		breaker:       breaker,
		metrics:       metrics,
		isLeader:      isLeader,
		alert:         alert,
		opportunities: make(map[string]domain.Opportunity),
		now:           time.Now,
	}
}

// HandleOpportunity validates, stores, and (when leader) forwards one
// opportunity. It implements domain.OpportunityHandler.
func (r *Router) HandleOpportunity(ctx context.Context, opp domain.Opportunity) error {
	if opp.ID == "" {
		return fmt.Errorf("op=router.HandleOpportunity: missing id: %w", domain.ErrInvalidOpportunity)
	}
	if opp.HasProfit && (opp.ProfitPercentage < minProfitPercent || opp.ProfitPercentage > maxProfitPercent) {
		return fmt.Errorf("op=router.HandleOpportunity: profit %.4f out of range: %w",
			opp.ProfitPercentage, domain.ErrInvalidOpportunity)
	}

	r.mu.Lock()
	if existing, ok := r.opportunities[opp.ID]; ok {
		delta := opp.Timestamp - existing.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta < duplicateWindowMs {
			r.mu.Unlock()
			slog.Debug("duplicate opportunity dropped",
				slog.String("id", opp.ID), slog.Int64("delta_ms", delta))
			return nil
		}
	}
	r.opportunities[opp.ID] = opp
	size := len(r.opportunities)
	r.mu.Unlock()

	r.metrics.OpportunitySeen()
	adapter.PendingOpportunitiesGauge.Set(float64(size))

	if r.isLeader() && opp.EffectiveStatus() == domain.OpportunityPending {
		r.forward(ctx, opp)
	}
	return nil
}

// forward serializes and appends one execution request behind the circuit
// breaker. An open circuit skips the send; the opening itself alerts once.
func (r *Router) forward(ctx context.Context, opp domain.Opportunity) {
	if !r.breaker.Allow() {
		slog.Debug("forward skipped, circuit open", slog.String("id", opp.ID))
		return
	}

	fields := Serialize(opp, r.cfg.InstanceID, r.now().UnixMilli())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields["_trace_traceId"] = sc.TraceID().String()
		fields["_trace_spanId"] = sc.SpanID().String()
	}

	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	if _, err := r.broker.Append(ctx, r.cfg.ForwardStream, values); err != nil {
		slog.Error("forward failed", slog.String("id", opp.ID), slog.Any("error", err))
		if r.breaker.RecordFailure() && r.alert != nil {
			r.alert(ctx, "EXECUTION_CIRCUIT_OPEN", domain.SeverityCritical,
				"execution forwarding circuit opened",
				map[string]any{"stream": r.cfg.ForwardStream, "lastError": err.Error()})
		}
		return
	}
	r.breaker.RecordSuccess()
	r.metrics.ExecutionForwarded()

	r.mu.Lock()
	if stored, ok := r.opportunities[opp.ID]; ok {
		stored.Status = domain.OpportunityForwarded
		r.opportunities[opp.ID] = stored
	}
	r.mu.Unlock()
}

// MarkResult updates a forwarded opportunity from an execution result.
func (r *Router) MarkResult(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opp, ok := r.opportunities[id]
	if !ok {
		return
	}
	if success {
		opp.Status = domain.OpportunityExecuted
	} else {
		opp.Status = domain.OpportunityFailed
	}
	r.opportunities[id] = opp
}

// Cleanup removes expired and surplus records in two phases: expired ids are
// collected first, then deleted; if the store still exceeds the bound, the
// oldest records by timestamp go, with lexicographic id order breaking ties.
func (r *Router) Cleanup(now time.Time) (removed int) {
	nowMs := now.UnixMilli()
	ttlMs := r.cfg.OpportunityTTL.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for id, opp := range r.opportunities {
		if (opp.ExpiresAt > 0 && opp.ExpiresAt < nowMs) || nowMs-opp.Timestamp > ttlMs {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.opportunities, id)
	}
	removed = len(expired)

	if excess := len(r.opportunities) - r.cfg.MaxOpportunities; excess > 0 {
		type rec struct {
			id string
			ts int64
		}
		all := make([]rec, 0, len(r.opportunities))
		for id, opp := range r.opportunities {
			all = append(all, rec{id: id, ts: opp.Timestamp})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].ts != all[j].ts {
				return all[i].ts < all[j].ts
			}
			return all[i].id < all[j].id
		})
		for _, victim := range all[:excess] {
			delete(r.opportunities, victim.id)
		}
		removed += excess
		slog.Debug("opportunity store evicted oldest", slog.Int("evicted", excess))
	}

	adapter.PendingOpportunitiesGauge.Set(float64(len(r.opportunities)))
	return removed
}

// Size returns the current store size.
func (r *Router) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opportunities)
}

// Snapshot returns defensive copies for the HTTP surface.
func (r *Router) Snapshot() []domain.Opportunity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Opportunity, 0, len(r.opportunities))
	for _, opp := range r.opportunities {
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// Clear empties the store on shutdown.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opportunities = make(map[string]domain.Opportunity)
}

// BreakerStats exposes circuit state for the status endpoint.
func (r *Router) BreakerStats() map[string]interface{} {
	return r.breaker.Stats()
}

var _ domain.OpportunityHandler = (*Router)(nil)
