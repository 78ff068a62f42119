// Package probe provides ICMP reachability checks.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	// SafetyMargin keeps a probe shorter than the interval it is scheduled in.
	SafetyMargin = time.Second

	// MinTimeout is the floor for probe timeouts derived from short intervals.
	MinTimeout = 500 * time.Millisecond

	maxReplySize = 1500
)

var echoPayload = []byte("gowake-homelab")

// TimeoutFor returns the probe timeout for a status check interval.
func TimeoutFor(interval time.Duration) time.Duration {
	timeout := interval - SafetyMargin
	if timeout < MinTimeout {
		return MinTimeout
	}
	return timeout
}

// Service defines the interface for reachability probes.
type Service interface {
	Probe(ctx context.Context, address string, timeout time.Duration) (*models.ProbeResult, error)
}

// Pinger sends one echo request to ip and reports whether a reply arrived in time.
type Pinger interface {
	Ping(ctx context.Context, ip net.IP, timeout time.Duration) (bool, error)
}

// Resolver allows mocking name resolution.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type family struct {
	protocol    int
	echoRequest icmp.Type
	echoReply   icmp.Type
	dgram       string
	raw         string
	any         string
}

var (
	familyV4 = family{
		protocol:    1,
		echoRequest: ipv4.ICMPTypeEcho,
		echoReply:   ipv4.ICMPTypeEchoReply,
		dgram:       "udp4",
		raw:         "ip4:icmp",
		any:         "0.0.0.0",
	}
	familyV6 = family{
		protocol:    58,
		echoRequest: ipv6.ICMPTypeEchoRequest,
		echoReply:   ipv6.ICMPTypeEchoReply,
		dgram:       "udp6",
		raw:         "ip6:ipv6-icmp",
		any:         "::",
	}
)

// ICMPPinger sends ICMP echo requests. It prefers unprivileged datagram
// sockets and falls back to raw sockets.
type ICMPPinger struct {
	id  int
	seq atomic.Uint32
}

// NewICMPPinger creates a pinger identified by the current process.
func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{id: os.Getpid() & 0xffff}
}

func listen(fam family) (*icmp.PacketConn, bool, error) {
	conn, err := icmp.ListenPacket(fam.dgram, fam.any)
	if err == nil {
		return conn, false, nil
	}

	conn, rawErr := icmp.ListenPacket(fam.raw, fam.any)
	if rawErr != nil {
		return nil, false, fmt.Errorf("opening ICMP socket: %w", errors.Join(err, rawErr))
	}

	return conn, true, nil
}

// Ping sends one echo request and waits for the matching reply.
func (p *ICMPPinger) Ping(ctx context.Context, ip net.IP, timeout time.Duration) (bool, error) {
	fam := familyV6
	if ip.To4() != nil {
		fam = familyV4
		ip = ip.To4()
	}

	conn, privileged, err := listen(fam)
	if err != nil {
		return false, err
	}
	defer func() { _ = conn.Close() }()

	seq := int(p.seq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: fam.echoRequest,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: echoPayload},
	}

	wb, err := msg.Marshal(nil)
	if err != nil {
		return false, fmt.Errorf("building echo request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("setting deadline: %w", err)
	}

	var dst net.Addr = &net.UDPAddr{IP: ip}
	if privileged {
		dst = &net.IPAddr{IP: ip}
	}

	if _, err := conn.WriteTo(wb, dst); err != nil {
		return false, fmt.Errorf("sending echo request to %s: %w", ip, err)
	}

	rb := make([]byte, maxReplySize)
	for {
		n, peer, err := conn.ReadFrom(rb)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("reading echo reply: %w", err)
		}

		if isReply(fam, rb[:n], seq, p.id, privileged) && sameHost(peer, ip) {
			return true, nil
		}
	}
}

// isReply reports whether b is the echo reply for seq. Datagram sockets
// rewrite the identifier, so it is only checked on raw sockets.
func isReply(fam family, b []byte, seq, id int, privileged bool) bool {
	rm, err := icmp.ParseMessage(fam.protocol, b)
	if err != nil || rm.Type != fam.echoReply {
		return false
	}

	echo, ok := rm.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}

	return !privileged || echo.ID == id
}

func sameHost(peer net.Addr, ip net.IP) bool {
	switch a := peer.(type) {
	case *net.UDPAddr:
		return a.IP.Equal(ip)
	case *net.IPAddr:
		return a.IP.Equal(ip)
	default:
		return false
	}
}

// Impl implements the probe Service interface.
type Impl struct {
	pinger   Pinger
	resolver Resolver
	logger   zerolog.Logger
}

// New creates a new probe service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		pinger:   NewICMPPinger(),
		resolver: net.DefaultResolver,
		logger:   logger,
	}
}

// NewWithPinger creates a new probe service with a custom pinger and resolver (for testing).
func NewWithPinger(logger zerolog.Logger, pinger Pinger, resolver Resolver) *Impl {
	return &Impl{
		pinger:   pinger,
		resolver: resolver,
		logger:   logger,
	}
}

// Probe checks whether address answers one echo request within timeout.
// An unreachable host is not an error.
func (s *Impl) Probe(ctx context.Context, address string, timeout time.Duration) (*models.ProbeResult, error) {
	result := &models.ProbeResult{Address: address}

	ip, err := s.resolve(ctx, address, timeout)
	if err != nil {
		result.Error = err
		return result, nil
	}

	reachable, err := s.pinger.Ping(ctx, ip, timeout)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // reported through result.Error
	}

	result.Reachable = reachable

	s.logger.Debug().
		Str("address", address).
		Bool("reachable", reachable).
		Msg("probe completed")

	return result, nil
}

func (s *Impl) resolve(ctx context.Context, address string, timeout time.Duration) (net.IP, error) {
	if ip := net.ParseIP(address); ip != nil {
		return ip, nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addrs, err := s.resolver.LookupIPAddr(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", address, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolving %s: no addresses", address)
	}

	// Prefer IPv4.
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}

	return addrs[0].IP, nil
}
