package app

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonicx222/arb-coordinator/internal/adapter/broker/redisbroker"
	"github.com/sonicx222/arb-coordinator/internal/config"
	"github.com/sonicx222/arb-coordinator/internal/domain"
)

func testCoordinatorConfig() config.Config {
	return config.Config{
		AppEnv:                     "test",
		Port:                       0,
		LockKey:                    "coordinator:leader:lock",
		LockTTL:                    5 * time.Second,
		HeartbeatInterval:          time.Second,
		CanBecomeLeader:            true,
		RegionID:                   "test",
		ConsumerGroup:              "coordinator",
		ConsumerID:                 "test-instance",
		DLQStream:                  domain.StreamDeadLetter,
		OrphanIdleThreshold:        time.Minute,
		MaxStreamErrors:            10,
		MaxOpportunities:           1000,
		OpportunityTTL:             time.Minute,
		OpportunityCleanupInterval: 200 * time.Millisecond,
		PairTTL:                    5 * time.Minute,
		StartupGracePeriod:         time.Minute,
		WhaleAlertThresholdUSD:     250000,
		RateLimitMaxTokens:         1000,
		RateLimitRefill:            time.Second,
		CircuitBreakerThreshold:    5,
		CircuitBreakerReset:        time.Minute,
		MetricsInterval:            200 * time.Millisecond,
		CleanupInterval:            200 * time.Millisecond,
		RateLimitPerMin:            1000,
	}
}

func startTestCoordinator(t *testing.T) (*Coordinator, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisbroker.NewFromClient(rdb)

	// A second client for test-side inspection that survives coordinator stop.
	inspect := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = inspect.Close() })

	c := New(Dependencies{Config: testCoordinatorConfig(), Broker: broker})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, inspect
}

func TestCoordinator_StartAcquiresLeadership(t *testing.T) {
	c, inspect := startTestCoordinator(t)

	assert.True(t, c.IsLeader())
	val, err := inspect.Get(context.Background(), "coordinator:leader:lock").Result()
	require.NoError(t, err)
	assert.Equal(t, "test-instance", val)
}

func TestCoordinator_ForwardsOpportunityEndToEnd(t *testing.T) {
	_, inspect := startTestCoordinator(t)
	ctx := context.Background()

	_, err := inspect.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.StreamOpportunities,
		Values: map[string]any{
			"id":               "opp-e2e",
			"confidence":       "0.95",
			"timestamp":        "1700000000000",
			"chain":            "ethereum",
			"buyDex":           "uniswap",
			"sellDex":          "sushiswap",
			"profitPercentage": "1.5",
		},
	}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := inspect.XRange(ctx, domain.StreamExecutionRequests, "-", "+").Result()
		return err == nil && len(entries) == 1
	}, 5*time.Second, 50*time.Millisecond, "opportunity never reached the execution stream")

	entries, err := inspect.XRange(ctx, domain.StreamExecutionRequests, "-", "+").Result()
	require.NoError(t, err)
	values := entries[0].Values
	assert.Equal(t, "opp-e2e", values["id"])
	assert.Equal(t, "1.5", values["profitPercentage"])
	assert.Equal(t, "test-instance", values["forwardedBy"])

	// The source message was acked: nothing stays pending.
	require.Eventually(t, func() bool {
		pending, err := inspect.XPending(ctx, domain.StreamOpportunities, "coordinator").Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestCoordinator_HealthMessageUpdatesServices(t *testing.T) {
	c, inspect := startTestCoordinator(t)
	ctx := context.Background()

	_, err := inspect.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.StreamHealth,
		Values: map[string]any{
			"name":        "detector-eth",
			"status":      "healthy",
			"uptime":      "3600",
			"memoryUsage": "104857600",
			"cpuUsage":    "12.5",
			"timestamp":   "1700000000000",
		},
	}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := c.Services()["detector-eth"]
		return ok && rec.Status == domain.StatusHealthy
	}, 5*time.Second, 50*time.Millisecond, "health record never landed")
}

func TestCoordinator_FailedHandlerGoesToDLQ(t *testing.T) {
	_, inspect := startTestCoordinator(t)
	ctx := context.Background()

	// A health envelope with no service name fails the handler.
	_, err := inspect.XAdd(ctx, &redis.XAddArgs{
		Stream: domain.StreamHealth,
		Values: map[string]any{"status": "healthy"},
	}).Result()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := inspect.XRange(ctx, domain.StreamDeadLetter, "-", "+").Result()
		return err == nil && len(entries) == 1
	}, 5*time.Second, 50*time.Millisecond, "failed message never reached the DLQ")

	entries, err := inspect.XRange(ctx, domain.StreamDeadLetter, "-", "+").Result()
	require.NoError(t, err)
	assert.Equal(t, domain.StreamHealth, entries[0].Values["originalStream"])
}

func TestCoordinator_StopReleasesLock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := redisbroker.NewFromClient(rdb)
	inspect := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = inspect.Close() }()

	c := New(Dependencies{Config: testCoordinatorConfig(), Broker: broker})
	require.NoError(t, c.Start(context.Background()))
	require.True(t, c.IsLeader())

	require.NoError(t, c.Stop(context.Background()))

	exists, err := inspect.Exists(context.Background(), "coordinator:leader:lock").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "lock must be released on clean stop")

	// Double stop is a no-op.
	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinator_DoubleStartRejected(t *testing.T) {
	c, _ := startTestCoordinator(t)
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}
