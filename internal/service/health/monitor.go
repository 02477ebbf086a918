// Package health aggregates per-service health into system-level metrics,
// evaluates the degradation tier, and owns outbound alerting with cooldown
// dedup and a startup grace period.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/domain"
)

const (
	healthLowThreshold    = 80.0
	graceMinKnownServices = 3
	cooldownMaxAge        = time.Hour
	cooldownMaxEntries    = 1000
)

// Derived is the output of one aggregation pass.
type Derived struct {
	// SystemHealth is healthy/total × 100.
	SystemHealth float64
	// ActiveServices is the healthy count.
	ActiveServices int
	// AverageMemory is mean reported memory across records.
	AverageMemory float64
	// AverageLatency is mean effective latency across records.
	AverageLatency float64
	// Total is the number of recorded services.
	Total int
}

// Config carries the monitor's knobs.
type Config struct {
	AlertCooldown      time.Duration
	StartupGracePeriod time.Duration
	Patterns           Patterns
}

// Monitor owns the service-health map and the alert cooldown table.
type Monitor struct {
	cfg      Config
	notifier domain.Notifier

	mu        sync.Mutex
	services  map[string]domain.ServiceHealth
	cooldowns map[string]time.Time
	level     DegradationLevel
	startTime time.Time

	now func() time.Time
}

// NewMonitor constructs a Monitor; startTime anchors the grace period.
func NewMonitor(cfg Config, notifier domain.Notifier, startTime time.Time) *Monitor {
	return &Monitor{
		cfg:       cfg,
		notifier:  notifier,
		services:  make(map[string]domain.ServiceHealth),
		cooldowns: make(map[string]time.Time),
		level:     FullOperation,
		startTime: startTime,
		now:       time.Now,
	}
}

// Upsert records one health message. It is idempotent under duplicate
// delivery: two identical messages leave the same final state as one.
func (m *Monitor) Upsert(rec domain.ServiceHealth) {
	if rec.Name == "" {
		return
	}
	rec.Status = domain.CoerceStatus(string(rec.Status))
	if rec.Uptime < 0 {
		rec.Uptime = 0
	}
	if rec.MemoryBytes < 0 {
		rec.MemoryBytes = 0
	}
	if rec.CPUPercent < 0 {
		rec.CPUPercent = 0
	}

	m.mu.Lock()
	m.services[rec.Name] = rec
	m.mu.Unlock()
}

// Service returns a defensive copy of one record.
func (m *Monitor) Service(name string) (domain.ServiceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.services[name]
	return rec, ok
}

// Services returns defensive copies of all records for the HTTP surface.
func (m *Monitor) Services() map[string]domain.ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.ServiceHealth, len(m.services))
	for k, v := range m.services {
		out[k] = v
	}
	return out
}

// Level returns the current degradation tier.
func (m *Monitor) Level() DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Evaluate runs one metrics pass: aggregation, degradation tier, and alerts.
func (m *Monitor) Evaluate(ctx context.Context) Derived {
	now := m.now()

	m.mu.Lock()
	total := len(m.services)
	healthy := 0
	var memSum, latSum float64
	for _, svc := range m.services {
		if svc.Status == domain.StatusHealthy {
			healthy++
		}
		memSum += svc.MemoryBytes
		if svc.HasLatency {
			latSum += svc.LatencyMs
		} else {
			latSum += float64(now.Sub(svc.LastHeartbeat).Milliseconds())
		}
	}

	d := Derived{
		ActiveServices: healthy,
		Total:          total,
	}
	denom := total
	if denom == 0 {
		denom = 1
	}
	d.SystemHealth = float64(healthy) / float64(denom) * 100
	if total > 0 {
		d.AverageMemory = memSum / float64(total)
		d.AverageLatency = latSum / float64(total)
	}

	prev := m.level
	servicesCopy := make(map[string]domain.ServiceHealth, total)
	for k, v := range m.services {
		servicesCopy[k] = v
	}
	next := EvaluateDegradation(servicesCopy, d.SystemHealth, m.cfg.Patterns)
	m.level = next
	m.mu.Unlock()

	adapter.SystemHealthGauge.Set(d.SystemHealth)
	adapter.ActiveServicesGauge.Set(float64(healthy))

	if next != prev {
		slog.Warn("degradation level changed",
			slog.String("previous", prev.String()),
			slog.String("current", next.String()))
	}

	m.checkAlerts(ctx, d, servicesCopy, now)
	return d
}

// checkAlerts applies the grace-period and threshold rules of one tick.
func (m *Monitor) checkAlerts(ctx context.Context, d Derived, services map[string]domain.ServiceHealth, now time.Time) {
	inGrace := now.Sub(m.startTime) < m.cfg.StartupGracePeriod

	if inGrace {
		// Services are still booting: only a broadly-observed health dip alerts.
		if d.Total >= graceMinKnownServices && d.SystemHealth < healthLowThreshold {
			m.SendAlert(ctx, "SYSTEM_HEALTH_LOW", domain.SeverityCritical, "",
				"system health below threshold during startup",
				map[string]any{"systemHealth": d.SystemHealth, "services": d.Total})
		}
		return
	}

	for name, svc := range services {
		if svc.Status == domain.StatusHealthy || svc.Status.Transient() {
			continue
		}
		m.SendAlert(ctx, "SERVICE_UNHEALTHY", domain.SeverityHigh, name,
			"service reported unhealthy",
			map[string]any{"service": name, "status": string(svc.Status)})
	}

	if d.SystemHealth < healthLowThreshold {
		m.SendAlert(ctx, "SYSTEM_HEALTH_LOW", domain.SeverityCritical, "",
			"system health below threshold",
			map[string]any{"systemHealth": d.SystemHealth, "services": d.Total})
	}
}

// SendAlert fires one alert unless an identical type+service fired within the
// cooldown window. The table is defensively pruned when it grows past bound.
func (m *Monitor) SendAlert(ctx context.Context, typ string, severity domain.AlertSeverity, service, message string, details map[string]any) {
	subject := service
	if subject == "" {
		subject = "system"
	}
	key := typ + "_" + subject
	now := m.now()

	m.mu.Lock()
	if last, ok := m.cooldowns[key]; ok && now.Sub(last) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.cooldowns[key] = now
	if len(m.cooldowns) > cooldownMaxEntries {
		m.pruneCooldownsLocked(now)
	}
	m.mu.Unlock()

	alert := domain.Alert{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Type:      typ,
		Severity:  severity,
		Service:   service,
		Message:   message,
		Details:   details,
		Timestamp: now,
	}
	adapter.AlertsTotal.WithLabelValues(typ, string(severity)).Inc()
	slog.Log(ctx, severityLogLevel(severity), "alert fired",
		slog.String("type", typ),
		slog.String("severity", string(severity)),
		slog.String("service", subject),
		slog.String("message", message))

	if m.notifier != nil {
		m.notifier.Notify(ctx, alert)
	}
}

// CleanupCooldowns drops cooldown entries older than an hour. Runs on the
// general cleanup tick.
func (m *Monitor) CleanupCooldowns() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneCooldownsLocked(now)
}

func (m *Monitor) pruneCooldownsLocked(now time.Time) {
	for key, last := range m.cooldowns {
		if now.Sub(last) > cooldownMaxAge {
			delete(m.cooldowns, key)
		}
	}
	// Still oversized after the age pass: drop arbitrary entries, losing a
	// cooldown only risks one duplicate alert.
	for key := range m.cooldowns {
		if len(m.cooldowns) <= cooldownMaxEntries {
			break
		}
		delete(m.cooldowns, key)
	}
}

func severityLogLevel(s domain.AlertSeverity) slog.Level {
	switch s {
	case domain.SeverityCritical:
		return slog.LevelError
	case domain.SeverityHigh:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
