// Package config provides configuration loading utilities for notification channels.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelConfig describes one outbound notification channel.
type ChannelConfig struct {
	// Kind is "discord" or "slack".
	Kind string `yaml:"kind"`
	// WebhookURL is the channel webhook endpoint.
	WebhookURL string `yaml:"webhook_url"`
	// MinSeverity filters alerts below this severity: low, high, or critical.
	MinSeverity string `yaml:"min_severity"`
}

// ChannelsYAML is the structure of the notification channels file.
type ChannelsYAML struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// LoadChannels reads the notification channels file. An empty path yields an
// empty channel list so the coordinator can run without outbound notifications;
// a path to a file that does not exist is an error.
func LoadChannels(path string) ([]ChannelConfig, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("op=config.LoadChannels: channels file not found: %s", path)
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadChannels: %w", err)
	}
	var doc ChannelsYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=config.LoadChannels: parse: %w", err)
	}
	for i, ch := range doc.Channels {
		if ch.Kind != "discord" && ch.Kind != "slack" {
			return nil, fmt.Errorf("op=config.LoadChannels: channel %d: unknown kind %q", i, ch.Kind)
		}
		if ch.WebhookURL == "" {
			return nil, fmt.Errorf("op=config.LoadChannels: channel %d: missing webhook_url", i)
		}
	}
	return doc.Channels, nil
}
