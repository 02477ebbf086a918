package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sonicx222/arb-coordinator/internal/domain"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (n *captureNotifier) Notify(ctx context.Context, alert domain.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *captureNotifier) byType(typ string) []domain.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Alert
	for _, a := range n.alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func newTestMonitor(t *testing.T) (*Monitor, *captureNotifier, *time.Time) {
	t.Helper()
	notifier := &captureNotifier{}
	start := time.Unix(1700000000, 0)
	m := NewMonitor(Config{
		AlertCooldown:      5 * time.Minute,
		StartupGracePeriod: time.Minute,
		Patterns:           DefaultPatterns(),
	}, notifier, start)
	now := start
	m.now = func() time.Time { return now }
	return m, notifier, &now
}

func record(name string, status domain.ServiceStatus, hb time.Time) domain.ServiceHealth {
	return domain.ServiceHealth{Name: name, Status: status, LastHeartbeat: hb}
}

func TestUpsert_CoercesAndClamps(t *testing.T) {
	m, _, now := newTestMonitor(t)

	m.Upsert(domain.ServiceHealth{
		Name:        "detector-eth",
		Status:      "weird",
		Uptime:      -5,
		MemoryBytes: -1,
		CPUPercent:  -1,
	})
	rec, ok := m.Service("detector-eth")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.Status != domain.StatusUnhealthy {
		t.Fatalf("status = %s, want coerced unhealthy", rec.Status)
	}
	if rec.Uptime != 0 || rec.MemoryBytes != 0 || rec.CPUPercent != 0 {
		t.Fatalf("negative numerics not clamped: %+v", rec)
	}

	// Idempotent under duplicate delivery.
	dup := record("detector-bsc", domain.StatusHealthy, *now)
	m.Upsert(dup)
	m.Upsert(dup)
	if len(m.Services()) != 2 {
		t.Fatalf("services = %d, want 2", len(m.Services()))
	}
}

func TestEvaluate_DerivedMetrics(t *testing.T) {
	m, _, now := newTestMonitor(t)

	m.Upsert(domain.ServiceHealth{Name: "execution-engine", Status: domain.StatusHealthy, MemoryBytes: 100, LastHeartbeat: *now})
	m.Upsert(domain.ServiceHealth{Name: "detector-eth", Status: domain.StatusUnhealthy, MemoryBytes: 300, LastHeartbeat: now.Add(-2 * time.Second)})

	d := m.Evaluate(context.Background())
	if d.Total != 2 || d.ActiveServices != 1 {
		t.Fatalf("derived = %+v", d)
	}
	if d.SystemHealth != 50 {
		t.Fatalf("system health = %v, want 50", d.SystemHealth)
	}
	if d.AverageMemory != 200 {
		t.Fatalf("average memory = %v, want 200", d.AverageMemory)
	}
	// Effective latency falls back to heartbeat age: (0 + 2000) / 2.
	if d.AverageLatency != 1000 {
		t.Fatalf("average latency = %v, want 1000", d.AverageLatency)
	}
}

func TestEvaluate_EmptyFleetIsOutage(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	d := m.Evaluate(context.Background())
	if d.SystemHealth != 0 {
		t.Fatalf("system health = %v, want 0", d.SystemHealth)
	}
	if m.Level() != CompleteOutage {
		t.Fatalf("level = %v, want COMPLETE_OUTAGE", m.Level())
	}
}

func TestStartupGrace_SuppressesServiceAlerts(t *testing.T) {
	m, notifier, now := newTestMonitor(t)

	m.Upsert(record("detector-eth", domain.StatusUnhealthy, *now))
	m.Upsert(record("detector-bsc", domain.StatusUnhealthy, *now))
	m.Evaluate(context.Background())

	if got := notifier.byType("SERVICE_UNHEALTHY"); len(got) != 0 {
		t.Fatalf("SERVICE_UNHEALTHY during grace = %d alerts", len(got))
	}
	// Fewer than three known services: the health dip stays quiet too.
	if got := notifier.byType("SYSTEM_HEALTH_LOW"); len(got) != 0 {
		t.Fatalf("SYSTEM_HEALTH_LOW with 2 services during grace = %d alerts", len(got))
	}

	// A third known service makes the dip broadly observed.
	m.Upsert(record("detector-sol", domain.StatusUnhealthy, *now))
	m.Evaluate(context.Background())
	if got := notifier.byType("SYSTEM_HEALTH_LOW"); len(got) != 1 {
		t.Fatalf("SYSTEM_HEALTH_LOW with 3 services during grace = %d alerts, want 1", len(got))
	}

	// After grace, the per-service alerts fire once each.
	*now = now.Add(2 * time.Minute)
	m.Evaluate(context.Background())
	if got := notifier.byType("SERVICE_UNHEALTHY"); len(got) != 3 {
		t.Fatalf("SERVICE_UNHEALTHY after grace = %d, want 3", len(got))
	}

	// The cooldown suppresses an immediate repeat.
	m.Evaluate(context.Background())
	if got := notifier.byType("SERVICE_UNHEALTHY"); len(got) != 3 {
		t.Fatalf("SERVICE_UNHEALTHY after repeat tick = %d, want still 3", len(got))
	}

	// Past the cooldown they fire again.
	*now = now.Add(6 * time.Minute)
	m.Evaluate(context.Background())
	if got := notifier.byType("SERVICE_UNHEALTHY"); len(got) != 6 {
		t.Fatalf("SERVICE_UNHEALTHY after cooldown = %d, want 6", len(got))
	}
}

func TestTransientStatesNeverAlert(t *testing.T) {
	m, notifier, now := newTestMonitor(t)

	m.Upsert(record("detector-eth", domain.StatusStarting, *now))
	m.Upsert(record("detector-bsc", domain.StatusStopping, *now))
	*now = now.Add(2 * time.Minute)
	m.Evaluate(context.Background())

	if got := notifier.byType("SERVICE_UNHEALTHY"); len(got) != 0 {
		t.Fatalf("transient states alerted: %d", len(got))
	}
}

func TestSendAlert_CooldownKeyIncludesService(t *testing.T) {
	m, notifier, _ := newTestMonitor(t)
	ctx := context.Background()

	m.SendAlert(ctx, "SERVICE_UNHEALTHY", domain.SeverityHigh, "a", "down", nil)
	m.SendAlert(ctx, "SERVICE_UNHEALTHY", domain.SeverityHigh, "b", "down", nil)
	m.SendAlert(ctx, "SERVICE_UNHEALTHY", domain.SeverityHigh, "a", "down again", nil)

	if got := notifier.byType("SERVICE_UNHEALTHY"); len(got) != 2 {
		t.Fatalf("alerts = %d, want 2 (distinct services, repeat suppressed)", len(got))
	}
}

func TestCleanupCooldowns_AgeAndBound(t *testing.T) {
	m, _, now := newTestMonitor(t)

	m.mu.Lock()
	m.cooldowns["old_system"] = now.Add(-2 * time.Hour)
	m.cooldowns["fresh_system"] = *now
	m.mu.Unlock()

	m.CleanupCooldowns()

	m.mu.Lock()
	_, oldThere := m.cooldowns["old_system"]
	_, freshThere := m.cooldowns["fresh_system"]
	m.mu.Unlock()
	if oldThere {
		t.Fatal("hour-old cooldown entry survived cleanup")
	}
	if !freshThere {
		t.Fatal("fresh cooldown entry was dropped")
	}
}
