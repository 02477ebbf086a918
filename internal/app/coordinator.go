// Package app wires the coordinator's components and owns its lifecycle.
//
// The orchestrator brings up the broker-facing services in dependency order,
// runs the periodic loops that drive cleanup and health evaluation, and tears
// everything down within bounded timeouts on stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/config"
	"github.com/sonicx222/arb-coordinator/internal/domain"
	"github.com/sonicx222/arb-coordinator/internal/observability"
	"github.com/sonicx222/arb-coordinator/internal/service/health"
	"github.com/sonicx222/arb-coordinator/internal/service/leader"
	"github.com/sonicx222/arb-coordinator/internal/service/ratelimiter"
	"github.com/sonicx222/arb-coordinator/internal/service/router"
	"github.com/sonicx222/arb-coordinator/internal/service/stream"
)

const teardownTimeout = 5 * time.Second

// Dependencies carries everything the orchestrator needs injected. Tests
// substitute fake brokers and notifiers here.
type Dependencies struct {
	Config   config.Config
	Broker   domain.Broker
	Notifier domain.Notifier
}

// Coordinator is the clustered control-plane service instance.
type Coordinator struct {
	cfg      config.Config
	broker   domain.Broker
	notifier domain.Notifier

	lc         lifecycle
	instanceID string
	startTime  time.Time

	metrics *observability.SystemMetrics
	monitor *health.Monitor
	elector *leader.Elector
	limiter *ratelimiter.TokenBucket
	manager *stream.Manager
	router  *router.Router
	pairs   *router.Pairs

	httpSrv *http.Server
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

// New constructs a Coordinator from its dependencies.
func New(deps Dependencies) *Coordinator {
	instanceID := deps.Config.ConsumerID
	if instanceID == "" {
		instanceID = "coordinator-" + uuid.NewString()
	}
	return &Coordinator{
		cfg:        deps.Config,
		broker:     deps.Broker,
		notifier:   deps.Notifier,
		instanceID: instanceID,
	}
}

// InstanceID returns this instance's identity, shared by the consumer-group
// consumer name and the leader lock value.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// IsLeader reports whether this instance currently leads.
func (c *Coordinator) IsLeader() bool {
	return c.elector != nil && c.elector.IsLeader()
}

// Start brings the coordinator up. Any failure unwinds what already started
// and is returned to the caller.
func (c *Coordinator) Start(ctx context.Context) error {
	return c.lc.executeStart(func() error {
		if err := c.start(ctx); err != nil {
			c.teardown()
			return err
		}
		return nil
	})
}

func (c *Coordinator) start(ctx context.Context) error {
	c.startTime = time.Now()

	if err := c.broker.Ping(ctx); err != nil {
		return fmt.Errorf("op=app.start: broker ping: %w", err)
	}

	c.metrics = observability.NewSystemMetrics()
	c.monitor = health.NewMonitor(health.Config{
		AlertCooldown:      c.cfg.AlertCooldown(),
		StartupGracePeriod: c.cfg.StartupGracePeriod,
		Patterns:           health.DefaultPatterns(),
	}, c.notifier, c.startTime)

	c.elector = leader.New(c.broker, leader.Config{
		LockKey:           c.cfg.LockKey,
		InstanceID:        c.instanceID,
		LockTTL:           c.cfg.LockTTL,
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		IsStandby:         c.cfg.IsStandby,
		CanBecomeLeader:   c.cfg.CanBecomeLeader,
	}, func(ctx context.Context, failures int) {
		c.monitor.SendAlert(ctx, "LEADER_DEMOTION", domain.SeverityCritical, "",
			"self-demoted after repeated lock renewal failures",
			map[string]any{"instanceId": c.instanceID, "consecutiveFailures": failures})
	})

	breaker := observability.NewCircuitBreaker(c.cfg.CircuitBreakerThreshold, c.cfg.CircuitBreakerReset)
	c.router = router.New(c.broker, router.Config{
		MaxOpportunities: c.cfg.MaxOpportunities,
		OpportunityTTL:   c.cfg.OpportunityTTL,
		ForwardStream:    domain.StreamExecutionRequests,
		InstanceID:       c.instanceID,
	}, breaker, c.metrics, c.elector.IsLeader, func(ctx context.Context, typ string, severity domain.AlertSeverity, message string, details map[string]any) {
		c.monitor.SendAlert(ctx, typ, severity, "", message, details)
	})

	c.pairs = router.NewPairs(c.cfg.PairTTL)
	c.limiter = ratelimiter.NewTokenBucket(ratelimiter.BucketConfig{
		MaxTokens:    float64(c.cfg.RateLimitMaxTokens),
		RefillPeriod: c.cfg.RateLimitRefill,
	})

	c.manager = stream.NewManager(c.broker, stream.Config{
		Group:               c.cfg.ConsumerGroup,
		ConsumerID:          c.instanceID,
		DLQStream:           c.cfg.DLQStream,
		OrphanIdleThreshold: c.cfg.OrphanIdleThreshold,
		MaxStreamErrors:     int64(c.cfg.MaxStreamErrors),
	}, c.limiter, c.metrics, func(ctx context.Context, typ string, severity domain.AlertSeverity, message string, details map[string]any) {
		c.monitor.SendAlert(ctx, typ, severity, "", message, details)
	})
	c.subscribeHandlers()

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	if err := c.manager.Prepare(runCtx); err != nil {
		return fmt.Errorf("op=app.start: %w", err)
	}
	if err := c.elector.TryAcquireLeadership(runCtx); err != nil {
		// Contention continues on the heartbeat; only log here.
		slog.Warn("initial leadership attempt failed", slog.Any("error", err))
	}
	c.manager.StartReaders(runCtx)
	c.elector.StartHeartbeat(runCtx)

	c.startLoop(runCtx, c.cfg.MetricsInterval, c.metricsTick)
	c.startLoop(runCtx, c.cfg.OpportunityCleanupInterval, func(ctx context.Context) {
		if removed := c.router.Cleanup(time.Now()); removed > 0 {
			slog.Debug("opportunity cleanup", slog.Int("removed", removed))
		}
	})
	c.startLoop(runCtx, c.cfg.CleanupInterval, func(ctx context.Context) {
		c.pairs.Cleanup(time.Now())
		c.monitor.CleanupCooldowns()
	})

	c.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.cfg.Port),
		Handler:           BuildRouter(c.cfg, c),
		ReadTimeout:       c.cfg.HTTPReadTimeout,
		WriteTimeout:      c.cfg.HTTPWriteTimeout,
		IdleTimeout:       c.cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server starting", slog.Int("port", c.cfg.Port))
		if err := c.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
		}
	}()

	if c.cfg.EnableLegacyHealthPolling {
		// Health now arrives over the stream; the polling path is kept only as
		// a config surface for older deployments and does nothing here.
		slog.Warn("legacy health polling requested but superseded by stream ingestion")
	}

	slog.Info("coordinator started",
		slog.String("instance_id", c.instanceID),
		slog.Bool("is_leader", c.elector.IsLeader()),
		slog.Bool("standby", c.cfg.IsStandby))
	return nil
}

// startLoop runs tick every interval until the run context is cancelled.
func (c *Coordinator) startLoop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				tick(ctx)
			}
		}
	}()
}

func (c *Coordinator) metricsTick(ctx context.Context) {
	d := c.monitor.Evaluate(ctx)
	if c.elector.IsLeader() {
		adapter.LeaderGauge.Set(1)
	} else {
		adapter.LeaderGauge.Set(0)
	}
	c.publishSelfReport(ctx, d)
}

// Stop tears the coordinator down: release the lock, halt the loops and
// readers, close the listener and broker, then clear the opportunity store,
// the active-pair table and the consumer error counter. Health records, alert
// cooldowns and the other metrics counters are not cleared.
func (c *Coordinator) Stop(ctx context.Context) error {
	return c.lc.executeStop(func() error {
		c.teardown()
		slog.Info("coordinator stopped", slog.String("instance_id", c.instanceID))
		return nil
	})
}

func (c *Coordinator) teardown() {
	releaseCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if c.elector != nil {
		c.elector.Release(releaseCtx)
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.elector != nil {
		c.elector.Stop()
	}
	if c.manager != nil {
		c.manager.Stop()
	}
	c.loops.Wait()

	if c.httpSrv != nil {
		shutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), teardownTimeout)
		if err := c.httpSrv.Shutdown(shutdownCtx); err != nil {
			_ = c.httpSrv.Close()
		}
		cancelHTTP()
		c.httpSrv = nil
	}

	closeWithTimeout(c.broker.Close, teardownTimeout)

	if c.router != nil {
		c.router.Clear()
	}
	if c.pairs != nil {
		c.pairs.Clear()
	}
	if c.metrics != nil {
		c.metrics.ResetConsumerErrors()
	}
}

// closeWithTimeout races a close against a deadline so a hung broker client
// cannot stall shutdown.
func closeWithTimeout(closeFn func() error, timeout time.Duration) {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("close failed", slog.Any("error", err))
		}
	case <-time.After(timeout):
		slog.Warn("close timed out", slog.Duration("timeout", timeout))
	}
}

// ActivateStandby promotes a standby instance; concurrent callers share one
// attempt and result.
func (c *Coordinator) ActivateStandby(ctx context.Context) (bool, error) {
	if c.elector == nil {
		return false, fmt.Errorf("op=app.ActivateStandby: coordinator not started")
	}
	return c.elector.ActivateStandby(ctx)
}

// Status implements httpserver.StatusSource.
func (c *Coordinator) Status() map[string]any {
	status := map[string]any{
		"state":      c.lc.State().String(),
		"instanceId": c.instanceID,
		"regionId":   c.cfg.RegionID,
		"standby":    c.cfg.IsStandby,
		"startTime":  c.startTime.UnixMilli(),
	}
	if c.elector != nil {
		status["isLeader"] = c.elector.IsLeader()
		status["staleLockRecoveries"] = c.elector.StaleLockRecoveries()
	}
	if c.monitor != nil {
		status["degradationLevel"] = c.monitor.Level().String()
	}
	if c.metrics != nil {
		status["metrics"] = c.metrics.Snapshot()
	}
	if c.router != nil {
		status["pendingOpportunities"] = c.router.Size()
		status["circuitBreaker"] = c.router.BreakerStats()
	}
	if c.pairs != nil {
		status["activePairs"] = c.pairs.Size()
	}
	return status
}

// Opportunities implements httpserver.StatusSource.
func (c *Coordinator) Opportunities() []domain.Opportunity {
	if c.router == nil {
		return nil
	}
	return c.router.Snapshot()
}

// Services implements httpserver.StatusSource.
func (c *Coordinator) Services() map[string]domain.ServiceHealth {
	if c.monitor == nil {
		return nil
	}
	return c.monitor.Services()
}

// Ready implements httpserver.StatusSource.
func (c *Coordinator) Ready(ctx context.Context) error {
	return c.broker.Ping(ctx)
}
