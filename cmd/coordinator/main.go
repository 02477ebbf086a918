// Command coordinator starts the arbitrage coordinator control-plane service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sonicx222/arb-coordinator/internal/adapter/broker/redisbroker"
	"github.com/sonicx222/arb-coordinator/internal/adapter/notify"
	"github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/app"
	"github.com/sonicx222/arb-coordinator/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes stream, routing, and HTTP instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	broker, err := redisbroker.New(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	channels, err := config.LoadChannels(cfg.NotifyChannelsFile)
	if err != nil {
		slog.Error("notification channels load failed", slog.Any("error", err))
		os.Exit(1)
	}
	notifier := notify.New(channels)

	coordinator := app.New(app.Dependencies{
		Config:   cfg,
		Broker:   broker,
		Notifier: notifier,
	})

	if err := coordinator.Start(ctx); err != nil {
		slog.Error("coordinator start failed", slog.Any("error", err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := coordinator.Stop(stopCtx); err != nil {
		slog.Error("coordinator stop failed", slog.Any("error", err))
		os.Exit(1)
	}
}
