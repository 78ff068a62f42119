// Package models contains the data structures used throughout gowake-homelab.
package models

import "time"

// BotConfig holds the complete configuration for a bot run.
type BotConfig struct {
	Discord             DiscordConfig
	StatusCheckInterval time.Duration // clamped to >= 0
	WOL                 WOLConfig
	Devices             []Device        // order is the message order in the channel
	Telegram            *TelegramConfig // nil if not configured
	Metrics             *MetricsConfig  // nil if not configured
}

// DiscordConfig holds the bot credential and the target channel.
type DiscordConfig struct {
	Token     string
	ServerID  string
	ChannelID string
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Listen string // e.g. ":9101"
}
