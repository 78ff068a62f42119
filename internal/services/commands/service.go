// Package commands turns reactions on device messages into wake and shutdown
// requests.
package commands

import (
	"context"
	"time"

	"github.com/fgeck/gowake-homelab/internal/metrics"
	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/audit"
	"github.com/fgeck/gowake-homelab/internal/services/markers"
	"github.com/fgeck/gowake-homelab/internal/services/registry"
	"github.com/fgeck/gowake-homelab/internal/services/ssh"
	"github.com/fgeck/gowake-homelab/internal/services/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for reaction handling.
type Service interface {
	Handle(ctx context.Context, ev models.ReactionEvent)
}

// Impl implements the commands Service interface.
type Impl struct {
	registry  *registry.Registry
	botUserID func() string
	markerSvc markers.Service
	wolSvc    wol.Service
	sshSvc    ssh.Service
	auditSvc  audit.Service
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a new command handler. botUserID reports the bot's own user
// ID so that its reactions are ignored.
func New(
	logger zerolog.Logger,
	reg *registry.Registry,
	botUserID func() string,
	markerSvc markers.Service,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	auditSvc audit.Service,
) *Impl {
	return &Impl{
		registry:  reg,
		botUserID: botUserID,
		markerSvc: markerSvc,
		wolSvc:    wolSvc,
		sshSvc:    sshSvc,
		auditSvc:  auditSvc,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle processes one reaction-added event.
func (s *Impl) Handle(ctx context.Context, ev models.ReactionEvent) {
	if ev.UserID == "" || ev.UserID == s.botUserID() {
		return
	}

	b, ok := s.registry.Get(ev.MessageID)
	if !ok {
		return
	}
	dev := b.Device

	switch {
	case ev.Emoji == models.MarkerWake && dev.State != models.StatePingable:
		s.wake(ctx, b, ev.UserID)
	case ev.Emoji == models.MarkerShutdown && dev.State == models.StatePingable && dev.Shutdown != nil:
		s.shutdown(ctx, b, ev.UserID)
	default:
		s.logger.Debug().
			Str("device", dev.Name).
			Str("emoji", ev.Emoji).
			Str("user_id", ev.UserID).
			Str("state", dev.State.String()).
			Msg("removing stray reaction")
		s.markerSvc.Remove(ctx, ev.MessageID, ev.Emoji, ev.UserID)
	}
}

func (s *Impl) wake(ctx context.Context, b registry.Binding, userID string) {
	dev := b.Device
	event := models.AuditEvent{
		DeviceName: dev.Name,
		MACAddress: dev.MACAddress,
		UserID:     userID,
		Time:       s.now(),
	}

	if _, err := wol.ParseMAC(dev.MACAddress); err != nil {
		s.logger.Warn().Err(err).Str("device", dev.Name).Msg("cannot wake device")
		metrics.RecordWake(dev.Name, false)
		s.markerSvc.Remove(ctx, b.MessageID, models.MarkerWake, userID)

		event.Kind = models.AuditWakeFailed
		event.Detail = err.Error()
		s.auditSvc.Record(ctx, event)
		return
	}

	s.registry.MarkStarting(b.MessageID, event.Time)
	metrics.SetDeviceState(dev.Name, models.StateStarting)
	s.markerSvc.Show(ctx, b.MessageID)

	result, err := s.wolSvc.Send(ctx, dev.MACAddress)
	switch {
	case err != nil:
		event.Kind = models.AuditWakeFailed
		event.Detail = err.Error()
	case result.Error != nil:
		event.Kind = models.AuditWakeFailed
		event.Detail = result.Error.Error()
	default:
		event.Kind = models.AuditWakeSent
	}

	metrics.RecordWake(dev.Name, event.Kind == models.AuditWakeSent)
	s.auditSvc.Record(ctx, event)
}

func (s *Impl) shutdown(ctx context.Context, b registry.Binding, userID string) {
	dev := b.Device
	s.markerSvc.Remove(ctx, b.MessageID, models.MarkerShutdown, userID)

	event := models.AuditEvent{
		DeviceName: dev.Name,
		UserID:     userID,
		Time:       s.now(),
		Detail:     ssh.ShutdownCommand(*dev.Shutdown),
	}

	result, err := s.sshSvc.Shutdown(ctx, *dev.Shutdown)
	switch {
	case err != nil:
		event.Kind = models.AuditShutdownFailed
		event.Detail = err.Error()
	case result.Error != nil:
		event.Kind = models.AuditShutdownFailed
		event.Detail = result.Error.Error()
	default:
		event.Kind = models.AuditShutdownSent
	}

	s.auditSvc.Record(ctx, event)
}
