package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sonicx222/arb-coordinator/internal/domain"
	"github.com/sonicx222/arb-coordinator/internal/service/stream"
)

// subscribeHandlers binds one handler per consumed stream. Every dispatched
// message is acked after its handler returns, with a DLQ write first when the
// handler fails; an entry left unacked stays pending and readers, which only
// read new entries, do not hand it out again.
func (c *Coordinator) subscribeHandlers() {
	c.manager.Subscribe(domain.StreamHealth, c.handleHealth)
	c.manager.Subscribe(domain.StreamOpportunities, c.handleOpportunity)
	c.manager.Subscribe(domain.StreamWhaleAlerts, c.handleWhaleAlert)
	c.manager.Subscribe(domain.StreamSwapEvents, c.handleSwapEvent)
	c.manager.Subscribe(domain.StreamVolumeAggregates, c.handleVolumeAggregate)
	c.manager.Subscribe(domain.StreamPriceUpdates, c.handlePriceUpdate)
	c.manager.Subscribe(domain.StreamExecutionResults, c.handleExecutionResult)
}

// handleHealth upserts one service-health record. Both `name` and `service`
// are accepted for back-compat; `name` wins.
func (c *Coordinator) handleHealth(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	name := env.String("name")
	if name == "" {
		name = env.String("service")
	}
	if name == "" {
		return fmt.Errorf("op=app.handleHealth: missing service name")
	}
	// The coordinator's own self-report echoes back on this stream.
	if name == "coordinator" {
		return nil
	}

	rec := domain.ServiceHealth{
		Name:          name,
		Status:        domain.CoerceStatus(env.String("status")),
		LastHeartbeat: time.Now(),
	}
	rec.Uptime, _ = env.Float("uptime")
	rec.MemoryBytes, _ = env.Float("memoryUsage")
	rec.CPUPercent, _ = env.Float("cpuUsage")
	if v, ok := env.Int("consecutiveFailures"); ok {
		rec.ConsecutiveFailures = int(v)
	}
	if v, ok := env.Int("restartCount"); ok {
		rec.RestartCount = int(v)
	}
	if v, ok := env.Float("latency"); ok {
		rec.LatencyMs = v
		rec.HasLatency = true
	}

	c.monitor.Upsert(rec)
	return nil
}

// handleOpportunity parses one opportunity envelope and hands it to the
// router. Duplicates and validation rejections are drops, not failures.
func (c *Coordinator) handleOpportunity(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	opp := domain.Opportunity{
		ID:                 env.String("id"),
		Chain:              env.String("chain"),
		BuyDex:             env.String("buyDex"),
		SellDex:            env.String("sellDex"),
		TokenIn:            env.String("tokenIn"),
		TokenOut:           env.String("tokenOut"),
		AmountIn:           env.String("amountIn"),
		BuyChain:           env.String("buyChain"),
		SellChain:          env.String("sellChain"),
		GasEstimate:        env.String("gasEstimate"),
		PipelineTimestamps: env.String("pipelineTimestamps"),
		Status:             domain.OpportunityStatus(env.String("status")),
	}
	opp.Confidence, _ = env.Float("confidence")
	opp.Timestamp, _ = env.Int("timestamp")
	if opp.Timestamp == 0 {
		opp.Timestamp = time.Now().UnixMilli()
	}
	if v, ok := env.Float("profitPercentage"); ok {
		opp.ProfitPercentage = v
		opp.HasProfit = true
	}
	opp.ExpiresAt, _ = env.Int("expiresAt")
	for k := range env.Fields {
		if strings.HasPrefix(k, "_trace_") {
			if opp.Trace == nil {
				opp.Trace = make(map[string]string)
			}
			opp.Trace[k] = env.String(k)
		}
	}

	err := c.router.HandleOpportunity(ctx, opp)
	if errors.Is(err, domain.ErrInvalidOpportunity) {
		slog.Debug("opportunity rejected", slog.String("id", opp.ID), slog.Any("error", err))
		return nil
	}
	return err
}

// handleWhaleAlert counts whale activity and escalates large transfers.
func (c *Coordinator) handleWhaleAlert(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	address := env.String("address")
	if address == "" {
		return fmt.Errorf("op=app.handleWhaleAlert: missing address")
	}
	usdValue, _ := env.Float("usdValue")
	c.metrics.WhaleAlert()

	if usdValue >= c.cfg.WhaleAlertThresholdUSD {
		c.monitor.SendAlert(ctx, "WHALE_MOVEMENT", domain.SeverityHigh, "",
			fmt.Sprintf("whale movement of $%.0f on %s", usdValue, env.String("chain")),
			map[string]any{
				"address":   address,
				"usdValue":  usdValue,
				"direction": env.String("direction"),
				"chain":     env.String("chain"),
				"dex":       env.String("dex"),
				"impact":    env.String("impact"),
			})
	}
	return nil
}

// handleSwapEvent upserts the pair and accumulates volume.
func (c *Coordinator) handleSwapEvent(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	pair := env.String("pairAddress")
	if pair == "" {
		return fmt.Errorf("op=app.handleSwapEvent: missing pairAddress")
	}
	usdValue, _ := env.Float("usdValue")
	c.pairs.Touch(pair, env.String("chain"), env.String("dex"), time.Now().UnixMilli())
	c.metrics.SwapEvent(usdValue)
	return nil
}

// handleVolumeAggregate upserts the pair and counts the window.
func (c *Coordinator) handleVolumeAggregate(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	pair := env.String("pairAddress")
	if pair == "" {
		return fmt.Errorf("op=app.handleVolumeAggregate: missing pairAddress")
	}
	c.pairs.Touch(pair, env.String("chain"), env.String("dex"), time.Now().UnixMilli())
	c.metrics.AggregateProcessed()
	return nil
}

// handlePriceUpdate upserts the pair and counts the tick.
func (c *Coordinator) handlePriceUpdate(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	pair := env.String("pairKey")
	if pair == "" {
		return fmt.Errorf("op=app.handlePriceUpdate: missing pairKey")
	}
	c.pairs.Touch(pair, env.String("chain"), env.String("dex"), time.Now().UnixMilli())
	c.metrics.PriceUpdate()
	return nil
}

// handleExecutionResult closes the loop on a forwarded opportunity. `success`
// accepts a boolean or the string "true"; negative profit is clamped to zero.
func (c *Coordinator) handleExecutionResult(ctx context.Context, msg domain.StreamMessage) error {
	env := stream.Unwrap(msg.Values)

	id := env.String("opportunityId")
	if id == "" {
		return fmt.Errorf("op=app.handleExecutionResult: missing opportunityId")
	}
	success := env.Bool("success")
	c.router.MarkResult(id, success)

	if success {
		profit, _ := env.Float("actualProfit")
		if profit < 0 {
			profit = 0
		}
		c.metrics.ExecutionSucceeded(profit)
	} else if errMsg := env.String("error"); errMsg != "" {
		slog.Warn("execution failed",
			slog.String("opportunity_id", id),
			slog.String("chain", env.String("chain")),
			slog.String("error", errMsg))
	}
	return nil
}
