// Package notify delivers alerts to Discord and Slack webhooks.
//
// Delivery is fire-and-forget: sends run with a bounded timeout, failures are
// logged and never surface to the alerting path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sonicx222/arb-coordinator/internal/config"
	"github.com/sonicx222/arb-coordinator/internal/domain"
)

const sendTimeout = 5 * time.Second

var severityRank = map[domain.AlertSeverity]int{
	domain.SeverityLow:      0,
	domain.SeverityHigh:     1,
	domain.SeverityCritical: 2,
}

// WebhookNotifier fans one alert out to every configured channel at or above
// the channel's minimum severity.
type WebhookNotifier struct {
	channels []config.ChannelConfig
	client   *http.Client
}

// New constructs a WebhookNotifier. An empty channel list is valid and
// produces a no-op notifier.
func New(channels []config.ChannelConfig) *WebhookNotifier {
	return &WebhookNotifier{
		channels: channels,
		client:   &http.Client{Timeout: sendTimeout},
	}
}

// Notify implements domain.Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, alert domain.Alert) {
	for _, ch := range n.channels {
		if severityRank[alert.Severity] < severityRank[domain.AlertSeverity(ch.MinSeverity)] {
			continue
		}
		go n.send(ch, alert)
	}
}

func (n *WebhookNotifier) send(ch config.ChannelConfig, alert domain.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	var payload any
	switch ch.Kind {
	case "discord":
		payload = discordPayload(alert)
	case "slack":
		payload = slackPayload(alert)
	default:
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("notification payload marshal failed", slog.Any("error", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("notification request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification send failed",
			slog.String("kind", ch.Kind),
			slog.String("alert_type", alert.Type),
			slog.Any("error", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		slog.Warn("notification rejected",
			slog.String("kind", ch.Kind),
			slog.String("alert_type", alert.Type),
			slog.Int("status", resp.StatusCode))
	}
}

func discordPayload(alert domain.Alert) map[string]any {
	return map[string]any{
		"content": fmt.Sprintf("**[%s] %s** %s", alert.Severity, alert.Type, alert.Message),
		"embeds": []map[string]any{{
			"title":       alert.Type,
			"description": alert.Message,
			"color":       discordColor(alert.Severity),
			"timestamp":   alert.Timestamp.UTC().Format(time.RFC3339),
			"fields":      discordFields(alert),
		}},
	}
}

func discordFields(alert domain.Alert) []map[string]any {
	fields := make([]map[string]any, 0, len(alert.Details)+1)
	if alert.Service != "" {
		fields = append(fields, map[string]any{"name": "service", "value": alert.Service, "inline": true})
	}
	for k, v := range alert.Details {
		fields = append(fields, map[string]any{"name": k, "value": fmt.Sprintf("%v", v), "inline": true})
	}
	return fields
}

func discordColor(s domain.AlertSeverity) int {
	switch s {
	case domain.SeverityCritical:
		return 0xe74c3c
	case domain.SeverityHigh:
		return 0xe67e22
	default:
		return 0x3498db
	}
}

func slackPayload(alert domain.Alert) map[string]any {
	text := fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Type, alert.Message)
	if alert.Service != "" {
		text += fmt.Sprintf(" (service=%s)", alert.Service)
	}
	return map[string]any{"text": text}
}

var _ domain.Notifier = (*WebhookNotifier)(nil)
