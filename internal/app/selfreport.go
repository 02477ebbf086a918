package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/sonicx222/arb-coordinator/internal/domain"
	"github.com/sonicx222/arb-coordinator/internal/service/health"
)

const selfReportMaxLen = 1000

// publishSelfReport appends the coordinator's own health envelope to the
// health stream on every metrics tick.
func (c *Coordinator) publishSelfReport(ctx context.Context, d health.Derived) {
	mem, cpu := processStats()

	metricsJSON, err := json.Marshal(c.metrics.Snapshot())
	if err != nil {
		metricsJSON = []byte("{}")
	}

	values := map[string]any{
		"name":         "coordinator",
		"service":      "coordinator",
		"status":       string(domain.StatusHealthy),
		"isLeader":     c.elector.IsLeader(),
		"uptime":       time.Since(c.startTime).Seconds(),
		"memoryUsage":  mem,
		"cpuUsage":     cpu,
		"timestamp":    time.Now().UnixMilli(),
		"systemHealth": d.SystemHealth,
		"metrics":      string(metricsJSON),
	}

	if _, err := c.broker.AppendCapped(ctx, domain.StreamHealth, selfReportMaxLen, values); err != nil {
		// Transient broker loss: skip this tick, the next one retries.
		slog.Debug("self-report append failed", slog.Any("error", err))
	}
}

// processStats reads this process's resident memory and CPU percent. Failures
// degrade to zeros rather than blocking the tick.
func processStats() (memBytes float64, cpuPercent float64) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, 0
	}
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		memBytes = float64(mi.RSS)
	}
	if pct, err := proc.CPUPercent(); err == nil {
		cpuPercent = pct
	}
	return memBytes, cpuPercent
}
