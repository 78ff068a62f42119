// Package reconciler keeps every registered device's state in step with its
// reachability, one worker per device.
package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fgeck/gowake-homelab/internal/metrics"
	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/audit"
	"github.com/fgeck/gowake-homelab/internal/services/discord"
	"github.com/fgeck/gowake-homelab/internal/services/markers"
	"github.com/fgeck/gowake-homelab/internal/services/probe"
	"github.com/fgeck/gowake-homelab/internal/services/registry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMinPassDelay is the shortest wait before any probe.
const DefaultMinPassDelay = 100 * time.Millisecond

// Service defines the interface for the reconciliation loop.
type Service interface {
	Run(ctx context.Context) error
	Refresh(ctx context.Context, messageID string) (models.Transition, bool)
}

// Impl implements the reconciler Service interface.
type Impl struct {
	registry   *registry.Registry
	prober     probe.Service
	discordSvc discord.Service
	markerSvc  markers.Service
	auditSvc   audit.Service
	logger     zerolog.Logger

	interval     time.Duration
	minPassDelay time.Duration
	now          func() time.Time

	reconnecting atomic.Bool
}

// New creates a new reconciler probing every interval.
func New(
	logger zerolog.Logger,
	reg *registry.Registry,
	prober probe.Service,
	discordSvc discord.Service,
	markerSvc markers.Service,
	auditSvc audit.Service,
	interval time.Duration,
) *Impl {
	return &Impl{
		registry:     reg,
		prober:       prober,
		discordSvc:   discordSvc,
		markerSvc:    markerSvc,
		auditSvc:     auditSvc,
		logger:       logger,
		interval:     max(interval, 0),
		minPassDelay: DefaultMinPassDelay,
		now:          time.Now,
	}
}

// SetMinPassDelay overrides the shortest wait before a probe (for testing).
func (s *Impl) SetMinPassDelay(d time.Duration) {
	s.minPassDelay = d
}

// Run starts one worker per registered device and a coordinator that checks
// the chat session after every completed pass. It returns when ctx is done.
func (s *Impl) Run(ctx context.Context) error {
	bindings := s.registry.Snapshot()

	s.logger.Info().
		Int("devices", len(bindings)).
		Dur("interval", s.interval).
		Msg("starting reconciliation loop")

	done := make(chan string, len(bindings))
	g, gctx := errgroup.WithContext(ctx)

	for _, b := range bindings {
		g.Go(func() error {
			s.work(gctx, b.MessageID, done)
			return nil
		})
	}
	g.Go(func() error {
		s.coordinate(gctx, g, done)
		return nil
	})

	err := g.Wait()
	s.logger.Info().Msg("reconciliation loop stopped")
	return err
}

func (s *Impl) work(ctx context.Context, messageID string, done chan<- string) {
	for {
		if !s.wait(ctx, messageID) {
			return
		}
		if _, ok := s.Refresh(ctx, messageID); !ok {
			return
		}

		select {
		case done <- messageID:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Impl) coordinate(ctx context.Context, g *errgroup.Group, done <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
		}

		if s.discordSvc.Connected() {
			continue
		}

		// At most one reconnect at a time; workers keep passing meanwhile.
		if !s.reconnecting.CompareAndSwap(false, true) {
			continue
		}

		metrics.RecordReconnect()
		g.Go(func() error {
			defer s.reconnecting.Store(false)
			if err := s.discordSvc.Reconnect(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("failed to reconnect Discord session")
			}
			return nil
		})
	}
}

// wait blocks until the next probe is due. It returns false once ctx is done.
func (s *Impl) wait(ctx context.Context, messageID string) bool {
	b, ok := s.registry.Get(messageID)
	if !ok {
		return false
	}

	if b.Device.State == models.StateStarting {
		return s.sleep(ctx, b.Device.StartupTimeout)
	}

	if !s.sleep(ctx, s.interval) {
		return false
	}

	// A wake may have arrived during the interval.
	b, ok = s.registry.Get(messageID)
	if ok && b.Device.State == models.StateStarting {
		return s.sleep(ctx, s.startupRemaining(b.Device))
	}
	return true
}

// startupRemaining is the part of the startup timeout not yet elapsed since
// the wake trigger.
func (s *Impl) startupRemaining(dev models.Device) time.Duration {
	if dev.WakeRequestedAt.IsZero() {
		return max(dev.StartupTimeout-s.interval, 0)
	}
	return max(dev.StartupTimeout-s.now().Sub(dev.WakeRequestedAt), 0)
}

func (s *Impl) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(max(d, s.minPassDelay))
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Refresh probes one device and applies the result. The bool is false when
// the device is unknown or ctx ended during the probe.
func (s *Impl) Refresh(ctx context.Context, messageID string) (models.Transition, bool) {
	b, ok := s.registry.Get(messageID)
	if !ok {
		return models.Transition{}, false
	}
	name := b.Device.Name

	start := s.now()
	result, err := s.prober.Probe(ctx, b.Device.IPAddress, probe.TimeoutFor(s.interval))
	if ctx.Err() != nil {
		return models.Transition{}, false
	}

	reachable := false
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("device", name).Msg("probe failed")
	case result.Error != nil:
		s.logger.Debug().Err(result.Error).Str("device", name).Msg("probe error, treating device as unreachable")
	default:
		reachable = result.Reachable
	}
	metrics.ObserveProbe(name, reachable, s.now().Sub(start))

	tr, ok := s.registry.ApplyProbe(messageID, reachable)
	if !ok {
		return models.Transition{}, false
	}
	metrics.SetDeviceState(name, tr.To)

	if !tr.Changed {
		return tr, true
	}

	s.markerSvc.Show(ctx, messageID)

	event := models.AuditEvent{
		DeviceName: name,
		Time:       s.now(),
		Detail:     tr.From.String() + " -> " + tr.To.String(),
	}
	switch tr.To {
	case models.StatePingable:
		s.logger.Info().Str("device", name).Msg("device is now running")
		event.Kind = models.AuditDeviceRunning
	case models.StateOffline:
		s.logger.Info().Str("device", name).Msg("device is now offline")
		event.Kind = models.AuditDeviceOffline
	default:
		return tr, true
	}
	s.auditSvc.Record(ctx, event)

	return tr, true
}
