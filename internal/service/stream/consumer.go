// Package stream implements consumer-group ingestion from the broker.
//
// One consumer identity is shared across all subscribed streams. Delivery is
// at-least-once with manual acknowledgement: a handler either completes and
// the entry is acked, or fails and the entry is copied to the dead-letter
// queue before acking, so the broker never redelivers indefinitely. On start
// the manager also claims pending entries orphaned by crashed peers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	adapter "github.com/sonicx222/arb-coordinator/internal/adapter/observability"
	"github.com/sonicx222/arb-coordinator/internal/domain"
	"github.com/sonicx222/arb-coordinator/internal/observability"
	"github.com/sonicx222/arb-coordinator/internal/service/ratelimiter"
)

const (
	readBatchSize = 10
	readBlock     = time.Second
	errStackLimit = 500
	dlqMaxLen     = 10000
)

// Handler processes one delivered stream entry.
type Handler func(ctx context.Context, msg domain.StreamMessage) error

// AlertFunc delivers manager-level alerts (error bursts, recoveries).
type AlertFunc func(ctx context.Context, typ string, severity domain.AlertSeverity, message string, details map[string]any)

// Config carries the manager's knobs.
type Config struct {
	Group               string
	ConsumerID          string
	DLQStream           string
	OrphanIdleThreshold time.Duration
	MaxStreamErrors     int64
}

// Manager owns the consumer-group subscriptions for one coordinator instance.
type Manager struct {
	broker  domain.Streams
	cfg     Config
	limiter ratelimiter.Limiter
	metrics *observability.SystemMetrics
	alert   AlertFunc

	handlers map[string]Handler
	order    []string

	sendingStreamErrorAlert atomic.Bool
	burstAlerted            atomic.Bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager constructs a Manager. Handlers are registered before Start.
func NewManager(broker domain.Streams, cfg Config, limiter ratelimiter.Limiter, metrics *observability.SystemMetrics, alert AlertFunc) *Manager {
	return &Manager{
		broker:   broker,
		cfg:      cfg,
		limiter:  limiter,
		metrics:  metrics,
		alert:    alert,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one stream. Not safe after Start.
func (m *Manager) Subscribe(stream string, h Handler) {
	if _, dup := m.handlers[stream]; !dup {
		m.order = append(m.order, stream)
	}
	m.handlers[stream] = h
}

// Prepare creates the consumer groups and recovers orphaned pending entries.
// It runs before leadership is contended so claimed backlog cannot race a
// fresh leader's forwards.
func (m *Manager) Prepare(ctx context.Context) error {
	for _, s := range m.order {
		if err := m.broker.CreateGroup(ctx, s, m.cfg.Group, "0"); err != nil {
			return fmt.Errorf("op=stream.Prepare: create group %s: %w", s, err)
		}
	}

	for _, s := range m.order {
		if err := m.recoverOrphans(ctx, s); err != nil {
			// Orphan recovery is best-effort: a transient broker failure here
			// must not block start; the entries stay pending for the next boot.
			slog.Warn("orphan recovery failed", slog.String("stream", s), slog.Any("error", err))
		}
	}
	return nil
}

// StartReaders launches one reader goroutine per subscribed stream.
func (m *Manager) StartReaders(ctx context.Context) {
	for _, s := range m.order {
		m.wg.Add(1)
		go m.readLoop(ctx, s, m.handlers[s])
	}
}

// Stop halts all readers and waits for them to drain their current batch.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// recoverOrphans claims pending entries held by idle peers, archives each to
// the DLQ, and acks the original. Own pending entries are logged, not claimed.
func (m *Manager) recoverOrphans(ctx context.Context, stream string) error {
	summary, err := m.broker.PendingSummary(ctx, stream, m.cfg.Group)
	if err != nil {
		return fmt.Errorf("op=stream.recoverOrphans: %w", err)
	}
	if summary.Total == 0 {
		return nil
	}

	for consumer, count := range summary.Consumers {
		if count == 0 {
			continue
		}
		if consumer == m.cfg.ConsumerID {
			slog.Info("own pending entries found, left pending",
				slog.String("stream", stream), slog.Int64("count", count))
			continue
		}

		entries, err := m.broker.PendingRange(ctx, stream, m.cfg.Group, "-", "+", count, consumer)
		if err != nil {
			return fmt.Errorf("op=stream.recoverOrphans: range: %w", err)
		}

		var orphaned []string
		for _, e := range entries {
			if e.Idle >= m.cfg.OrphanIdleThreshold {
				orphaned = append(orphaned, e.ID)
			}
		}
		if len(orphaned) == 0 {
			continue
		}

		claimed, err := m.broker.Claim(ctx, stream, m.cfg.Group, m.cfg.ConsumerID, m.cfg.OrphanIdleThreshold, orphaned)
		if err != nil {
			return fmt.Errorf("op=stream.recoverOrphans: claim: %w", err)
		}

		for _, msg := range claimed {
			m.writeDLQ(ctx, map[string]any{
				"originalStream": stream,
				"originalId":     msg.ID,
				"data":           serialize(msg.Values),
				"error":          "Orphaned PEL message recovered",
				"timestamp":      time.Now().UnixMilli(),
			})
			if err := m.broker.Ack(ctx, stream, m.cfg.Group, msg.ID); err != nil {
				slog.Warn("orphan ack failed", slog.String("stream", stream), slog.String("id", msg.ID), slog.Any("error", err))
			}
		}
		slog.Info("orphaned pending entries recovered",
			slog.String("stream", stream),
			slog.String("dead_consumer", consumer),
			slog.Int("claimed", len(claimed)))
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, stream string, handler Handler) {
	defer m.wg.Done()
	slog.Info("stream reader started",
		slog.String("stream", stream),
		slog.String("group", m.cfg.Group),
		slog.String("consumer", m.cfg.ConsumerID))

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := m.broker.ReadGroup(ctx, stream, m.cfg.Group, m.cfg.ConsumerID, readBlock, readBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.recordError(ctx, stream, err)
			// Brief pause so a dead broker does not spin the loop.
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, msg := range msgs {
			m.dispatch(ctx, stream, handler, msg)
		}
	}
}

// dispatch runs one message through the rate limiter and the handler with
// deferred ack: success acks, failure writes a DLQ envelope then acks.
func (m *Manager) dispatch(ctx context.Context, stream string, handler Handler, msg domain.StreamMessage) {
	if m.limiter != nil && !m.limiter.Allow(stream) {
		m.metrics.RateLimitDrop(stream)
		slog.Warn("message dropped by rate limiter",
			slog.String("stream", stream), slog.String("id", msg.ID))
		return
	}

	err := m.invoke(ctx, handler, msg)
	if err == nil {
		if ackErr := m.broker.Ack(ctx, stream, m.cfg.Group, msg.ID); ackErr != nil {
			slog.Warn("ack failed", slog.String("stream", stream), slog.String("id", msg.ID), slog.Any("error", ackErr))
		}
		adapter.StreamMessagesTotal.WithLabelValues(stream, "ok").Inc()
		m.resetErrors(ctx, stream)
		return
	}

	adapter.StreamMessagesTotal.WithLabelValues(stream, "error").Inc()
	slog.Error("stream handler failed",
		slog.String("stream", stream), slog.String("id", msg.ID), slog.Any("error", err))

	m.writeDLQ(ctx, map[string]any{
		"originalStream": stream,
		"originalId":     msg.ID,
		"data":           serialize(msg.Values),
		"error":          err.Error(),
		"errorStack":     truncate(fmt.Sprintf("%+v", err), errStackLimit),
		"timestamp":      time.Now().UnixMilli(),
		"service":        "coordinator",
		"instanceId":     m.cfg.ConsumerID,
	})
	// Ack even after a DLQ failure: moving on beats a redelivery storm.
	if ackErr := m.broker.Ack(ctx, stream, m.cfg.Group, msg.ID); ackErr != nil {
		slog.Warn("ack after DLQ failed", slog.String("stream", stream), slog.String("id", msg.ID), slog.Any("error", ackErr))
	}
	m.recordError(ctx, stream, err)
}

// invoke contains handler panics so one poisoned message cannot kill a reader.
func (m *Manager) invoke(ctx context.Context, handler Handler, msg domain.StreamMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, truncate(string(debug.Stack()), errStackLimit))
		}
	}()
	return handler(ctx, msg)
}

func (m *Manager) recordError(ctx context.Context, stream string, err error) {
	n := m.metrics.ConsumerError()
	if n < m.cfg.MaxStreamErrors {
		return
	}
	// The flag is set synchronously before the alert send so concurrent
	// threshold crossings collapse to one alert per burst.
	if !m.sendingStreamErrorAlert.CompareAndSwap(false, true) {
		return
	}
	m.burstAlerted.Store(true)
	if m.alert != nil {
		m.alert(ctx, "STREAM_CONSUMER_FAILURE", domain.SeverityCritical,
			fmt.Sprintf("stream consumer error burst on %s", stream),
			map[string]any{"streamName": stream, "errorCount": n, "lastError": err.Error()})
	}
}

func (m *Manager) resetErrors(ctx context.Context, stream string) {
	if m.metrics.ResetConsumerErrors() == 0 {
		return
	}
	m.sendingStreamErrorAlert.Store(false)
	if m.burstAlerted.Swap(false) {
		m.metrics.StreamRecovery()
		if m.alert != nil {
			m.alert(ctx, "STREAM_RECOVERED", domain.SeverityHigh,
				fmt.Sprintf("stream consumer recovered on %s", stream),
				map[string]any{"streamName": stream})
		}
	}
}

func (m *Manager) writeDLQ(ctx context.Context, envelope map[string]any) {
	if _, err := m.broker.AppendCapped(ctx, m.cfg.DLQStream, dlqMaxLen, envelope); err != nil {
		slog.Error("dead-letter write failed", slog.Any("error", err))
		return
	}
	if s, ok := envelope["originalStream"].(string); ok {
		m.metrics.DLQWrite(s)
	}
}

func serialize(values map[string]any) string {
	b, err := json.Marshal(values)
	if err != nil {
		return fmt.Sprintf("%v", values)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
