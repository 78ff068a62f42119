// Package audit records wake requests and device state changes.
package audit

import (
	"context"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/telegram"
	"github.com/rs/zerolog"
)

// Service defines the interface for recording audit events.
type Service interface {
	Record(ctx context.Context, event models.AuditEvent)
}

// Impl writes each event to the log and forwards it to Telegram when configured.
type Impl struct {
	telegramSvc telegram.Service
	telegramCfg *models.TelegramConfig
	logger      zerolog.Logger
}

// New creates a new audit service. cfg may be nil to disable forwarding.
func New(logger zerolog.Logger, cfg *models.TelegramConfig) *Impl {
	return NewWithService(logger, cfg, telegram.New(logger))
}

// NewWithService creates a new audit service with a custom Telegram service (for testing).
func NewWithService(logger zerolog.Logger, cfg *models.TelegramConfig, svc telegram.Service) *Impl {
	return &Impl{
		telegramSvc: svc,
		telegramCfg: cfg,
		logger:      logger,
	}
}

// Record logs event and forwards it. Forwarding failures are logged and dropped.
func (s *Impl) Record(ctx context.Context, event models.AuditEvent) {
	entry := s.logger.Info()
	if event.Kind == models.AuditWakeFailed || event.Kind == models.AuditShutdownFailed {
		entry = s.logger.Warn()
	}

	entry = entry.
		Str("event", string(event.Kind)).
		Str("device", event.DeviceName).
		Time("at", event.Time)
	if event.UserID != "" {
		entry = entry.Str("user_id", event.UserID)
	}
	if event.MACAddress != "" {
		entry = entry.Str("mac", event.MACAddress)
	}
	if event.Detail != "" {
		entry = entry.Str("detail", event.Detail)
	}
	entry.Msg("audit")

	if s.telegramCfg == nil {
		return
	}

	result, err := s.telegramSvc.SendAudit(ctx, *s.telegramCfg, event)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram audit message")
		return
	}
	if result.Error != nil {
		s.logger.Warn().Err(result.Error).Msg("failed to send Telegram audit message")
	}
}
