// Package runner orchestrates bot startup and the reconciliation loop.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/audit"
	"github.com/fgeck/gowake-homelab/internal/services/commands"
	"github.com/fgeck/gowake-homelab/internal/services/discord"
	"github.com/fgeck/gowake-homelab/internal/services/markers"
	"github.com/fgeck/gowake-homelab/internal/services/probe"
	"github.com/fgeck/gowake-homelab/internal/services/reconciler"
	"github.com/fgeck/gowake-homelab/internal/services/registry"
	"github.com/fgeck/gowake-homelab/internal/services/ssh"
	"github.com/fgeck/gowake-homelab/internal/services/wol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod is the unconditional wait between login and channel lookup.
const DefaultGracePeriod = 15 * time.Second

// purgeExtra is how many messages beyond one per device are purged at startup.
const purgeExtra = 10

// InstructionsAuthor is the author line of the instructions message.
const InstructionsAuthor = "Wake On Lan - Instructions"

// ErrNoDevices is returned when the configuration lists no devices.
var ErrNoDevices = errors.New("no devices configured")

// Service defines the interface for the bot runner.
type Service interface {
	Run(ctx context.Context, cfg models.BotConfig) error
}

// Impl implements the runner Service interface.
type Impl struct {
	discordSvc discord.Service
	proberSvc  probe.Service
	wolSvc     wol.Service
	sshSvc     ssh.Service
	auditSvc   audit.Service
	logger     zerolog.Logger

	grace        time.Duration
	minPassDelay time.Duration
}

// New creates a new runner for cfg.
func New(logger zerolog.Logger, cfg models.BotConfig) (*Impl, error) {
	discordSvc, err := discord.New(logger, cfg.Discord.Token)
	if err != nil {
		return nil, err
	}

	return NewWithServices(
		logger,
		discordSvc,
		probe.New(logger),
		wol.New(logger, cfg.WOL),
		ssh.New(logger),
		audit.New(logger, cfg.Telegram),
		DefaultGracePeriod,
	), nil
}

// NewWithServices creates a new runner with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	discordSvc discord.Service,
	proberSvc probe.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	auditSvc audit.Service,
	grace time.Duration,
) *Impl {
	return &Impl{
		discordSvc:   discordSvc,
		proberSvc:    proberSvc,
		wolSvc:       wolSvc,
		sshSvc:       sshSvc,
		auditSvc:     auditSvc,
		logger:       logger,
		grace:        grace,
		minPassDelay: reconciler.DefaultMinPassDelay,
	}
}

// Run logs in, prepares the channel and runs the reconciliation loop until
// ctx is cancelled. Any error is a startup failure.
func (s *Impl) Run(ctx context.Context, cfg models.BotConfig) error {
	if len(cfg.Devices) == 0 {
		return ErrNoDevices
	}

	channelID := cfg.Discord.ChannelID

	s.logger.Info().
		Int("devices", len(cfg.Devices)).
		Str("server_id", cfg.Discord.ServerID).
		Str("channel_id", channelID).
		Dur("interval", cfg.StatusCheckInterval).
		Msg("starting bot")

	// Step 1: Login
	if err := s.discordSvc.Open(ctx); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	defer func() { _ = s.discordSvc.Close() }()

	// Step 2: Let the gateway settle
	s.logger.Debug().Dur("grace", s.grace).Msg("waiting before channel lookup")
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.grace):
	}

	// Step 3: Find the channel
	if err := s.discordSvc.ResolveChannel(ctx, cfg.Discord.ServerID, channelID); err != nil {
		return err
	}

	// Step 4: Purge old messages
	n, err := s.discordSvc.Purge(ctx, channelID, len(cfg.Devices)+purgeExtra)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to purge channel")
	} else {
		s.logger.Info().Int("deleted", n).Msg("channel purged")
	}

	// Step 5: Post instructions and one message per device
	if _, err := s.discordSvc.SendEmbed(ctx, channelID, Instructions(cfg.Devices)); err != nil {
		return fmt.Errorf("failed to post instructions: %w", err)
	}

	reg := registry.New()
	for _, dev := range cfg.Devices {
		id, err := s.discordSvc.SendEmbed(ctx, channelID, DeviceEmbed(dev))
		if err != nil {
			return fmt.Errorf("failed to post message for %s: %w", dev.Name, err)
		}
		dev.State = models.StateUnknown
		reg.Add(registry.Binding{MessageID: id, ChannelID: channelID, Device: dev})
	}

	markerSvc := markers.New(s.logger, reg, s.discordSvc)
	rec := reconciler.New(s.logger, reg, s.proberSvc, s.discordSvc, markerSvc, s.auditSvc, cfg.StatusCheckInterval)
	rec.SetMinPassDelay(s.minPassDelay)

	// Step 6: Initial probe of every device
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range reg.Snapshot() {
		g.Go(func() error {
			rec.Refresh(gctx, b.MessageID)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil
	}

	// Step 7: Accept commands
	handler := commands.New(s.logger, reg, s.discordSvc.BotUserID, markerSvc, s.wolSvc, s.sshSvc, s.auditSvc)
	s.discordSvc.OnReaction(func(ev models.ReactionEvent) {
		handler.Handle(ctx, ev)
	})

	s.logger.Info().Int("devices", reg.Len()).Msg("bot is ready")

	// Step 8: Reconcile until shutdown
	return rec.Run(ctx)
}

// Instructions returns the message explaining the markers.
func Instructions(devices []models.Device) models.Embed {
	lines := []string{
		`\` + models.MarkerWake + " - Request to switch on the device",
		`\` + models.MarkerWaiting + " - Waiting for a response from the device",
		`\` + models.MarkerRunning + " - The target device is running",
	}
	for _, dev := range devices {
		if dev.Shutdown != nil {
			lines = append(lines, `\`+models.MarkerShutdown+" - Request to shut down the device")
			break
		}
	}

	return models.Embed{
		Author:      InstructionsAuthor,
		Description: strings.Join(lines, "\n"),
	}
}

// DeviceEmbed returns the message that represents dev in the channel.
func DeviceEmbed(dev models.Device) models.Embed {
	return models.Embed{Description: fmt.Sprintf("%s **- %s**", dev.Emoji, dev.Name)}
}
