// Package leader implements lock-based leader election over the broker KV.
//
// One persistent lock key holds the owning instance id with a TTL. The elector
// heartbeats at TTL/3 with jitter, renews while leading, contends while
// following, and self-demotes after repeated renewal failures. Standby
// instances stay out of the election until externally activated.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

const maxRenewFailures = 3

// DemotionFunc is invoked when the elector self-demotes after consecutive
// renewal failures; implementations typically fire a critical alert.
type DemotionFunc func(ctx context.Context, consecutiveFailures int)

// Elector owns the leader lock lifecycle for one coordinator instance.
type Elector struct {
	kv         domain.KV
	lockKey    string
	instanceID string
	ttl        time.Duration
	interval   time.Duration

	isLeader     atomic.Bool
	isActivating atomic.Bool
	standby      atomic.Bool
	canLead      bool

	consecutiveFailures int
	failMu              sync.Mutex

	activate singleflight.Group
	onDemote DemotionFunc

	staleRecoveries atomic.Int64

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Config carries the elector's knobs.
type Config struct {
	LockKey           string
	InstanceID        string
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	IsStandby         bool
	CanBecomeLeader   bool
}

// New constructs an Elector. HeartbeatInterval defaults to LockTTL/3.
func New(kv domain.KV, cfg Config, onDemote DemotionFunc) *Elector {
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = cfg.LockTTL / 3
	}
	e := &Elector{
		kv:         kv,
		lockKey:    cfg.LockKey,
		instanceID: cfg.InstanceID,
		ttl:        cfg.LockTTL,
		interval:   interval,
		canLead:    cfg.CanBecomeLeader,
		onDemote:   onDemote,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	e.standby.Store(cfg.IsStandby)
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool { return e.isLeader.Load() }

// InstanceID returns this instance's lock value.
func (e *Elector) InstanceID() string { return e.instanceID }

// IsStandby reports whether this instance is gated out of the election.
func (e *Elector) IsStandby() bool { return e.standby.Load() }

// StaleLockRecoveries counts takeovers of an expired peer lock.
func (e *Elector) StaleLockRecoveries() int64 { return e.staleRecoveries.Load() }

// StartHeartbeat launches the renewal/contention loop. The initial
// acquisition attempt is the caller's, so start ordering stays explicit.
func (e *Elector) StartHeartbeat(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.heartbeatLoop(ctx)
}

// TryAcquireLeadership runs one election round. Standby instances skip it
// unless an activation is in flight.
func (e *Elector) TryAcquireLeadership(ctx context.Context) error {
	if !e.canLead {
		return nil
	}
	if e.standby.Load() && !e.isActivating.Load() {
		return nil
	}

	ok, err := e.kv.SetIfAbsent(ctx, e.lockKey, e.instanceID, e.ttl)
	if err != nil {
		return fmt.Errorf("op=leader.TryAcquireLeadership: %w", err)
	}
	if ok {
		if !e.isLeader.Swap(true) {
			slog.Info("leadership acquired", slog.String("instance_id", e.instanceID))
		}
		return nil
	}

	// The key exists. If this process already owns it (restart within TTL),
	// the atomic renew succeeds; any other outcome means another leader.
	owned, err := e.kv.RenewIfOwned(ctx, e.lockKey, e.instanceID, e.ttl)
	if err != nil {
		return fmt.Errorf("op=leader.TryAcquireLeadership: renew: %w", err)
	}
	if owned {
		if !e.isLeader.Swap(true) {
			slog.Info("leadership resumed from existing lock", slog.String("instance_id", e.instanceID))
		}
		return nil
	}
	e.isLeader.Store(false)
	return nil
}

// heartbeatLoop renews or contends every interval ± jitter until stopped.
func (e *Elector) heartbeatLoop(ctx context.Context) {
	defer close(e.done)
	timer := time.NewTimer(e.jitteredInterval())
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			e.heartbeatTick(ctx)
			timer.Reset(e.jitteredInterval())
		}
	}
}

// jitteredInterval adds ±2s of jitter with a 1s floor, so a failed-over fleet
// does not contend in lockstep.
func (e *Elector) jitteredInterval() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(4*time.Second))) - 2*time.Second
	d := e.interval + jitter
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (e *Elector) heartbeatTick(ctx context.Context) {
	if e.isLeader.Load() {
		ok, err := e.kv.RenewIfOwned(ctx, e.lockKey, e.instanceID, e.ttl)
		if err != nil {
			e.recordFailure(ctx, err)
			return
		}
		e.resetFailures()
		if !ok {
			e.isLeader.Store(false)
			slog.Warn("lost leadership: lock renewal rejected", slog.String("instance_id", e.instanceID))
		}
		return
	}

	if err := e.TryAcquireLeadership(ctx); err != nil {
		e.recordFailure(ctx, err)
		return
	}
	e.resetFailures()
	// A follower winning the lock mid-run means the previous holder's lock
	// aged out without a clean release.
	if e.isLeader.Load() {
		e.staleRecoveries.Add(1)
	}
}

func (e *Elector) recordFailure(ctx context.Context, err error) {
	e.failMu.Lock()
	e.consecutiveFailures++
	n := e.consecutiveFailures
	wasLeader := e.isLeader.Load()
	demote := wasLeader && n >= maxRenewFailures
	if demote {
		e.isLeader.Store(false)
	}
	e.failMu.Unlock()

	slog.Warn("leader heartbeat failure",
		slog.Int("consecutive_failures", n),
		slog.Bool("was_leader", wasLeader),
		slog.Any("error", err))

	if demote {
		slog.Error("self-demoting after repeated lock renewal failures",
			slog.Int("consecutive_failures", n))
		if e.onDemote != nil {
			e.onDemote(ctx, n)
		}
	}
}

func (e *Elector) resetFailures() {
	e.failMu.Lock()
	e.consecutiveFailures = 0
	e.failMu.Unlock()
}

// ActivateStandby promotes a standby instance. Concurrent callers share one
// in-flight attempt and observe the same result. The isActivating flag lets
// TryAcquireLeadership bypass the standby gate without mutating the standby
// configuration; on failure the configuration is untouched.
func (e *Elector) ActivateStandby(ctx context.Context) (bool, error) {
	res, err, _ := e.activate.Do("activate", func() (any, error) {
		if !e.standby.Load() {
			return e.isLeader.Load(), nil
		}

		e.isActivating.Store(true)
		defer e.isActivating.Store(false)

		if err := e.TryAcquireLeadership(ctx); err != nil {
			return false, fmt.Errorf("op=leader.ActivateStandby: %w", err)
		}
		if !e.isLeader.Load() {
			return false, nil
		}
		e.standby.Store(false)
		slog.Info("standby activated", slog.String("instance_id", e.instanceID))
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Release gives up the lock on clean stop. A false return is normal: the lock
// may have expired or been taken over already.
func (e *Elector) Release(ctx context.Context) {
	if !e.isLeader.Swap(false) {
		return
	}
	ok, err := e.kv.ReleaseIfOwned(ctx, e.lockKey, e.instanceID)
	if err != nil {
		slog.Warn("lock release failed", slog.Any("error", err))
		return
	}
	if !ok {
		slog.Debug("lock already expired or taken over at release")
	}
}

// Stop halts the heartbeat loop and waits for it to exit. Stopping an
// elector whose loop never started is a no-op.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.started.Load() {
		<-e.done
	}
}
