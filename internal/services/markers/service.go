// Package markers keeps the reaction markers on device messages in line with
// the registry.
package markers

import (
	"context"
	"sync"

	"github.com/fgeck/gowake-homelab/internal/metrics"
	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/discord"
	"github.com/fgeck/gowake-homelab/internal/services/registry"
	"github.com/rs/zerolog"
)

// Service defines the interface for marker updates.
type Service interface {
	// Show replaces the markers on a device message with those for the
	// device's current state.
	Show(ctx context.Context, messageID string)
	// Remove removes one user's reaction from a device message.
	Remove(ctx context.Context, messageID, emoji, userID string)
}

// Impl implements the markers Service interface.
// Marker I/O failures are logged at warn, counted and swallowed.
type Impl struct {
	registry *registry.Registry
	discord  discord.Service
	logger   zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a new markers service.
func New(logger zerolog.Logger, reg *registry.Registry, discordSvc discord.Service) *Impl {
	return &Impl{
		registry: reg,
		discord:  discordSvc,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Impl) lock(messageID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[messageID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[messageID] = l
	}
	return l
}

// Show reads the state under the message lock so concurrent callers leave
// the markers of the latest state behind.
func (s *Impl) Show(ctx context.Context, messageID string) {
	l := s.lock(messageID)
	l.Lock()
	defer l.Unlock()

	b, ok := s.registry.Get(messageID)
	if !ok {
		return
	}

	log := s.logger.With().
		Str("device", b.Device.Name).
		Str("message_id", messageID).
		Logger()

	if err := s.discord.ClearMarkers(ctx, b.ChannelID, messageID); err != nil {
		log.Warn().Err(err).Msg("failed to clear markers")
		metrics.RecordMarkerError("clear")
	}

	for _, m := range models.MarkersFor(b.Device.State, b.Device) {
		if err := s.discord.AddMarker(ctx, b.ChannelID, messageID, m); err != nil {
			log.Warn().Err(err).Str("marker", m).Msg("failed to add marker")
			metrics.RecordMarkerError("add")
		}
	}
}

// Remove removes a user's reaction.
func (s *Impl) Remove(ctx context.Context, messageID, emoji, userID string) {
	b, ok := s.registry.Get(messageID)
	if !ok {
		return
	}

	if err := s.discord.RemoveMarker(ctx, b.ChannelID, messageID, emoji, userID); err != nil {
		s.logger.Warn().
			Err(err).
			Str("device", b.Device.Name).
			Str("emoji", emoji).
			Str("user_id", userID).
			Msg("failed to remove reaction")
		metrics.RecordMarkerError("remove")
	}
}
