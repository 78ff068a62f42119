package commands

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/discord/discordtest"
	"github.com/fgeck/gowake-homelab/internal/services/markers"
	"github.com/fgeck/gowake-homelab/internal/services/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWOLService struct {
	sendFunc func(ctx context.Context, mac string) (*models.WakeResult, error)

	mu   sync.Mutex
	macs []string
}

func (m *mockWOLService) Send(ctx context.Context, mac string) (*models.WakeResult, error) {
	m.mu.Lock()
	m.macs = append(m.macs, mac)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, mac)
	}
	return &models.WakeResult{PacketsSent: 2}, nil
}

type mockSSHService struct {
	shutdownFunc func(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error)
	calls        int
}

func (m *mockSSHService) Shutdown(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error) {
	m.calls++
	if m.shutdownFunc != nil {
		return m.shutdownFunc(ctx, cfg)
	}
	return &models.SSHResult{CommandRun: true}, nil
}

func (m *mockSSHService) TestConnection(ctx context.Context, cfg models.SSHShutdownConfig) (*models.SSHResult, error) {
	return &models.SSHResult{CommandRun: true, Output: "OK"}, nil
}

type mockAudit struct {
	events []models.AuditEvent
}

func (m *mockAudit) Record(_ context.Context, event models.AuditEvent) {
	m.events = append(m.events, event)
}

type fixture struct {
	svc   *Impl
	reg   *registry.Registry
	fake  *discordtest.Fake
	wol   *mockWOLService
	ssh   *mockSSHService
	audit *mockAudit
}

var fixedNow = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newFixture(dev models.Device) *fixture {
	logger := zerolog.New(io.Discard)
	reg := registry.New()
	reg.Add(registry.Binding{MessageID: "m1", ChannelID: "c1", Device: dev})

	fake := discordtest.New("bot")
	f := &fixture{
		reg:   reg,
		fake:  fake,
		wol:   &mockWOLService{},
		ssh:   &mockSSHService{},
		audit: &mockAudit{},
	}
	f.svc = New(logger, reg, fake.BotUserID, markers.New(logger, reg, fake), f.wol, f.ssh, f.audit)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func offlineDevice() models.Device {
	return models.Device{
		Name:           "Gaming PC",
		MACAddress:     "AA:BB:CC:DD:EE:FF",
		IPAddress:      "192.168.1.50",
		StartupTimeout: time.Minute,
		State:          models.StateOffline,
	}
}

func reaction(emoji, user string) models.ReactionEvent {
	return models.ReactionEvent{ChannelID: "c1", MessageID: "m1", Emoji: emoji, UserID: user}
}

func TestHandle_WakeOfflineDevice(t *testing.T) {
	f := newFixture(offlineDevice())

	f.svc.Handle(context.Background(), reaction(models.MarkerWake, "u1"))

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateStarting, b.Device.State)
	assert.Equal(t, fixedNow, b.Device.WakeRequestedAt)

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, f.wol.macs)
	assert.Equal(t, []string{models.MarkerWaiting}, f.fake.Markers("m1"))

	calls := f.fake.Calls("m1")
	require.NotEmpty(t, calls)
	assert.Equal(t, "clear", calls[0].Op)

	require.Len(t, f.audit.events, 1)
	ev := f.audit.events[0]
	assert.Equal(t, models.AuditWakeSent, ev.Kind)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, "Gaming PC", ev.DeviceName)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ev.MACAddress)
}

func TestHandle_WakeStartingAndUnknownDevices(t *testing.T) {
	for _, state := range []models.DeviceState{models.StateStarting, models.StateUnknown} {
		t.Run(state.String(), func(t *testing.T) {
			dev := offlineDevice()
			dev.State = state
			f := newFixture(dev)

			f.svc.Handle(context.Background(), reaction(models.MarkerWake, "u1"))

			b, _ := f.reg.Get("m1")
			assert.Equal(t, models.StateStarting, b.Device.State)
			assert.Len(t, f.wol.macs, 1)
		})
	}
}

func TestHandle_IgnoresOwnReactions(t *testing.T) {
	f := newFixture(offlineDevice())

	f.svc.Handle(context.Background(), reaction(models.MarkerWake, "bot"))

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateOffline, b.Device.State)
	assert.Empty(t, f.wol.macs)
	assert.Empty(t, f.fake.Calls(""))
	assert.Empty(t, f.audit.events)
}

func TestHandle_IgnoresUnknownMessages(t *testing.T) {
	f := newFixture(offlineDevice())

	ev := reaction(models.MarkerWake, "u1")
	ev.MessageID = "other"
	f.svc.Handle(context.Background(), ev)

	assert.Empty(t, f.wol.macs)
	assert.Empty(t, f.fake.Calls(""))
}

func TestHandle_StrayReactionIsRemoved(t *testing.T) {
	f := newFixture(offlineDevice())

	f.svc.Handle(context.Background(), reaction("👍", "u1"))

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateOffline, b.Device.State)
	assert.Empty(t, f.wol.macs)
	assert.Equal(t, []discordtest.Call{
		{Op: "remove", ChannelID: "c1", MessageID: "m1", Emoji: "👍", UserID: "u1"},
	}, f.fake.Calls("m1"))
}

func TestHandle_WakeOnPingableDeviceIsStray(t *testing.T) {
	dev := offlineDevice()
	dev.State = models.StatePingable
	f := newFixture(dev)

	f.svc.Handle(context.Background(), reaction(models.MarkerWake, "u1"))

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StatePingable, b.Device.State)
	assert.Empty(t, f.wol.macs)
	calls := f.fake.Calls("m1")
	require.Len(t, calls, 1)
	assert.Equal(t, "remove", calls[0].Op)
}

func TestHandle_WakeWithInvalidMAC(t *testing.T) {
	dev := offlineDevice()
	dev.MACAddress = "not-a-mac"
	f := newFixture(dev)

	f.svc.Handle(context.Background(), reaction(models.MarkerWake, "u1"))

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateOffline, b.Device.State)
	assert.Empty(t, f.wol.macs)

	calls := f.fake.Calls("m1")
	require.Len(t, calls, 1)
	assert.Equal(t, "remove", calls[0].Op)
	assert.Equal(t, models.MarkerWake, calls[0].Emoji)

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, models.AuditWakeFailed, f.audit.events[0].Kind)
	assert.Contains(t, f.audit.events[0].Detail, "invalid MAC")
}

func TestHandle_WakeTransportFailureStillStarting(t *testing.T) {
	f := newFixture(offlineDevice())
	f.wol.sendFunc = func(context.Context, string) (*models.WakeResult, error) {
		return &models.WakeResult{Error: errors.New("network is unreachable")}, nil
	}

	f.svc.Handle(context.Background(), reaction(models.MarkerWake, "u1"))

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateStarting, b.Device.State)
	require.Len(t, f.audit.events, 1)
	assert.Equal(t, models.AuditWakeFailed, f.audit.events[0].Kind)
	assert.Equal(t, "network is unreachable", f.audit.events[0].Detail)
}

func shutdownDevice() models.Device {
	dev := offlineDevice()
	dev.State = models.StatePingable
	dev.Shutdown = &models.SSHShutdownConfig{Host: "192.168.1.50", Port: 22, Username: "root"}
	return dev
}

func TestHandle_ShutdownPingableDevice(t *testing.T) {
	f := newFixture(shutdownDevice())

	f.svc.Handle(context.Background(), reaction(models.MarkerShutdown, "u1"))

	assert.Equal(t, 1, f.ssh.calls)
	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StatePingable, b.Device.State)

	assert.Equal(t, []discordtest.Call{
		{Op: "remove", ChannelID: "c1", MessageID: "m1", Emoji: models.MarkerShutdown, UserID: "u1"},
	}, f.fake.Calls("m1"))

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, models.AuditShutdownSent, f.audit.events[0].Kind)
	assert.Equal(t, "sudo shutdown -h now", f.audit.events[0].Detail)
}

func TestHandle_ShutdownFailure(t *testing.T) {
	f := newFixture(shutdownDevice())
	f.ssh.shutdownFunc = func(context.Context, models.SSHShutdownConfig) (*models.SSHResult, error) {
		return &models.SSHResult{Error: errors.New("failed to connect")}, nil
	}

	f.svc.Handle(context.Background(), reaction(models.MarkerShutdown, "u1"))

	require.Len(t, f.audit.events, 1)
	assert.Equal(t, models.AuditShutdownFailed, f.audit.events[0].Kind)
}

func TestHandle_ShutdownWithoutConfigIsStray(t *testing.T) {
	dev := shutdownDevice()
	dev.Shutdown = nil
	f := newFixture(dev)

	f.svc.Handle(context.Background(), reaction(models.MarkerShutdown, "u1"))

	assert.Equal(t, 0, f.ssh.calls)
	assert.Empty(t, f.audit.events)
}

func TestHandle_ShutdownOfflineDeviceIsStray(t *testing.T) {
	dev := shutdownDevice()
	dev.State = models.StateOffline
	f := newFixture(dev)

	f.svc.Handle(context.Background(), reaction(models.MarkerShutdown, "u1"))

	assert.Equal(t, 0, f.ssh.calls)
}

func TestHandle_ConcurrentWakes(t *testing.T) {
	f := newFixture(offlineDevice())
	f.svc.auditSvc = &lockedAudit{}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.Handle(context.Background(), reaction(models.MarkerWake, "u1"))
		}()
	}
	wg.Wait()

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateStarting, b.Device.State)
	assert.Equal(t, []string{models.MarkerWaiting}, f.fake.Markers("m1"))
}

type lockedAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (m *lockedAudit) Record(_ context.Context, event models.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}
