// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/wol"
	"github.com/spf13/viper"
)

// DefaultStatusCheckInterval is used when status_check_interval is not set.
const DefaultStatusCheckInterval = 10 * time.Second

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.BotConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BotConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

type rawSSHShutdown struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	Username      string `mapstructure:"username"`
	KeyPath       string `mapstructure:"key_path"`
	ShutdownDelay int    `mapstructure:"shutdown_delay"`
	OS            string `mapstructure:"os"`
}

type rawDevice struct {
	Name           string          `mapstructure:"name"`
	MACAddress     string          `mapstructure:"mac_address"`
	IPAddress      string          `mapstructure:"ip_address"`
	Emoji          string          `mapstructure:"emoji"`
	StartupTimeout any             `mapstructure:"startup_timeout"`
	SSHShutdown    *rawSSHShutdown `mapstructure:"ssh_shutdown"`
}

func (p *Parser) parse() (*models.BotConfig, error) {
	cfg := &models.BotConfig{}

	// Parse Discord config (required).
	cfg.Discord = models.DiscordConfig{
		Token:     p.expandEnv(p.v.GetString("discord.token")),
		ServerID:  p.expandEnv(p.v.GetString("discord.server_id")),
		ChannelID: p.expandEnv(p.v.GetString("discord.channel_id")),
	}

	if cfg.Discord.Token == "" {
		return nil, fmt.Errorf("discord.token is required")
	}
	if cfg.Discord.ServerID == "" {
		return nil, fmt.Errorf("discord.server_id is required")
	}
	if cfg.Discord.ChannelID == "" {
		return nil, fmt.Errorf("discord.channel_id is required")
	}

	cfg.StatusCheckInterval = DefaultStatusCheckInterval
	if p.v.IsSet("status_check_interval") {
		d, err := parseDuration(p.v.Get("status_check_interval"))
		if err != nil {
			return nil, fmt.Errorf("status_check_interval: %w", err)
		}
		cfg.StatusCheckInterval = max(d, 0)
	}

	cfg.WOL = models.WOLConfig{BroadcastIP: p.v.GetString("wol.broadcast_ip")}
	if cfg.WOL.BroadcastIP == "" {
		cfg.WOL.BroadcastIP = wol.DefaultBroadcastIP
	}

	// Parse devices (required, order preserved).
	var raw []rawDevice
	if err := p.v.UnmarshalKey("devices", &raw); err != nil {
		return nil, fmt.Errorf("parsing devices: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("devices must list at least one device")
	}

	seen := make(map[string]bool, len(raw))
	for i, r := range raw {
		dev, err := p.parseDevice(i, r)
		if err != nil {
			return nil, err
		}
		if seen[dev.Name] {
			return nil, fmt.Errorf("devices[%d]: duplicate name %q", i, dev.Name)
		}
		seen[dev.Name] = true
		cfg.Devices = append(cfg.Devices, dev)
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	// Parse optional metrics config.
	if p.v.IsSet("metrics") {
		cfg.Metrics = &models.MetricsConfig{Listen: p.v.GetString("metrics.listen")}
		if cfg.Metrics.Listen == "" {
			return nil, fmt.Errorf("metrics.listen is required when metrics is configured")
		}
	}

	return cfg, nil
}

func (p *Parser) parseDevice(i int, r rawDevice) (models.Device, error) {
	dev := models.Device{
		Name:           r.Name,
		MACAddress:     r.MACAddress,
		IPAddress:      r.IPAddress,
		Emoji:          r.Emoji,
		StartupTimeout: models.DefaultStartupTimeout,
		State:          models.StateUnknown,
	}

	if dev.Name == "" {
		return dev, fmt.Errorf("devices[%d].name is required", i)
	}
	if dev.IPAddress == "" {
		return dev, fmt.Errorf("devices[%d].ip_address is required", i)
	}
	if dev.Emoji == "" {
		return dev, fmt.Errorf("devices[%d].emoji is required", i)
	}
	if r.StartupTimeout != nil {
		d, err := parseDuration(r.StartupTimeout)
		if err != nil {
			return dev, fmt.Errorf("devices[%d].startup_timeout: %w", i, err)
		}
		dev.StartupTimeout = max(d, 0)
	}

	if r.SSHShutdown == nil {
		return dev, nil
	}

	s := r.SSHShutdown
	dev.Shutdown = &models.SSHShutdownConfig{
		Host:          s.Host,
		Port:          s.Port,
		Username:      s.Username,
		KeyPath:       p.expandEnv(s.KeyPath),
		ShutdownDelay: s.ShutdownDelay,
		OS:            s.OS,
	}

	if dev.Shutdown.Host == "" {
		dev.Shutdown.Host = dev.IPAddress
	}
	if dev.Shutdown.Port == 0 {
		dev.Shutdown.Port = 22
	}
	if dev.Shutdown.Username == "" {
		dev.Shutdown.Username = "root"
	}
	if dev.Shutdown.KeyPath == "" {
		return dev, fmt.Errorf("devices[%d].ssh_shutdown.key_path is required when ssh_shutdown is configured", i)
	}
	if dev.Shutdown.ShutdownDelay < 0 {
		return dev, fmt.Errorf("devices[%d].ssh_shutdown.shutdown_delay must not be negative", i)
	}
	// Validate and default OS
	if dev.Shutdown.OS == "" {
		dev.Shutdown.OS = "linux"
	}
	validOS := map[string]bool{"linux": true, "windows": true}
	if !validOS[dev.Shutdown.OS] {
		return dev, fmt.Errorf("devices[%d].ssh_shutdown.os must be one of: linux, windows", i)
	}

	return dev, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// parseDuration reads a duration string such as "10s", or a bare number of
// milliseconds.
func parseDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case uint64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case string:
		s := strings.TrimSpace(os.ExpandEnv(v))
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: want e.g. \"10s\" or milliseconds", v)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}

// UnusableMACs maps each device whose MAC address cannot be parsed to the
// parse error. Such devices are still probed but cannot be woken.
func UnusableMACs(cfg *models.BotConfig) map[string]error {
	out := make(map[string]error)
	for _, dev := range cfg.Devices {
		if _, err := wol.ParseMAC(dev.MACAddress); err != nil {
			out[dev.Name] = err
		}
	}
	return out
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.BotConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}

	if cfg.Discord.ServerID == "" || cfg.Discord.ChannelID == "" {
		return fmt.Errorf("discord.server_id and discord.channel_id are required")
	}

	if len(cfg.Devices) == 0 {
		return fmt.Errorf("devices must list at least one device")
	}

	return nil
}
