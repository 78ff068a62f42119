// Package wol provides Wake-on-LAN operations.
package wol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// DefaultBroadcastIP is the limited broadcast address of the local segment.
const DefaultBroadcastIP = "255.255.255.255"

// Ports are the conventional Wake-on-LAN discard and echo ports.
var Ports = []int{7, 9}

// ErrInvalidMAC is returned for addresses that are not exactly six hex byte pairs.
var ErrInvalidMAC = errors.New("invalid MAC address")

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	Send(ctx context.Context, macAddress string) (*models.WakeResult, error)
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(addr string, mac net.HardwareAddr) error
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet for mac to the UDP address addr.
func (c *DefaultClient) Wake(addr string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(addr, mac); err != nil {
		return fmt.Errorf("failed to send WOL packet to %s: %w", addr, err)
	}

	return nil
}

// ParseMAC strips colon, hyphen and space separators and decodes exactly six bytes.
func ParseMAC(s string) (net.HardwareAddr, error) {
	stripped := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	if len(stripped) != 12 {
		return nil, fmt.Errorf("%w %q: want 6 bytes", ErrInvalidMAC, s)
	}

	b, err := hex.DecodeString(stripped)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidMAC, s, err)
	}

	return net.HardwareAddr(b), nil
}

// BuildMagicPacket returns the 102-byte payload for mac: six 0xFF bytes
// followed by the address repeated sixteen times.
func BuildMagicPacket(mac string) ([]byte, error) {
	hw, err := ParseMAC(mac)
	if err != nil {
		return nil, err
	}

	p := &wol.MagicPacket{Target: hw}
	return p.MarshalBinary()
}

// Impl implements the WOL Service interface.
type Impl struct {
	wolClient   Client
	broadcastIP string
	logger      zerolog.Logger
}

// New creates a new WOL service.
func New(logger zerolog.Logger, cfg models.WOLConfig) *Impl {
	return NewWithClient(logger, cfg, &DefaultClient{})
}

// NewWithClient creates a new WOL service with a custom client (for testing).
func NewWithClient(logger zerolog.Logger, cfg models.WOLConfig, wolClient Client) *Impl {
	broadcastIP := cfg.BroadcastIP
	if broadcastIP == "" {
		broadcastIP = DefaultBroadcastIP
	}

	return &Impl{
		wolClient:   wolClient,
		broadcastIP: broadcastIP,
		logger:      logger,
	}
}

// Send broadcasts a magic packet for macAddress on every port in Ports.
// Delivery is best effort; failures are reported in the result.
func (s *Impl) Send(ctx context.Context, macAddress string) (*models.WakeResult, error) {
	result := &models.WakeResult{}

	mac, err := ParseMAC(macAddress)
	if err != nil {
		result.Error = err
		return result, nil
	}

	ip := net.ParseIP(s.broadcastIP)
	if ip == nil {
		result.Error = fmt.Errorf("invalid broadcast IP: %s", s.broadcastIP)
		return result, nil
	}

	var errs []error
	for _, port := range Ports {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		if err := s.wolClient.Wake(addr, mac); err != nil {
			errs = append(errs, err)
			continue
		}
		result.PacketsSent++
	}

	if len(errs) > 0 {
		result.Error = errors.Join(errs...)
		s.logger.Warn().
			Err(result.Error).
			Str("mac", mac.String()).
			Int("sent", result.PacketsSent).
			Msg("WOL packet not sent on every port")
		return result, nil
	}

	s.logger.Debug().
		Str("mac", mac.String()).
		Str("broadcast", s.broadcastIP).
		Msg("WOL packets sent")

	return result, nil
}
