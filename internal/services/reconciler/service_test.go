package reconciler

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

type mockProber struct {
	probeFunc func(ctx context.Context, address string, timeout time.Duration) (*models.ProbeResult, error)

	mu          sync.Mutex
	calls       map[string]int
	inFlight    map[string]int
	maxInFlight int
	timeouts    []time.Duration
}

func newMockProber(reachable bool) *mockProber {
	return &mockProber{
		probeFunc: func(_ context.Context, address string, _ time.Duration) (*models.ProbeResult, error) {
			return &models.ProbeResult{Address: address, Reachable: reachable}, nil
		},
	}
}

func (m *mockProber) Probe(ctx context.Context, address string, timeout time.Duration) (*models.ProbeResult, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
		m.inFlight = make(map[string]int)
	}
	m.calls[address]++
	m.inFlight[address]++
	m.maxInFlight = max(m.maxInFlight, m.inFlight[address])
	m.timeouts = append(m.timeouts, timeout)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight[address]--
		m.mu.Unlock()
	}()

	return m.probeFunc(ctx, address, timeout)
}

func (m *mockProber) Calls(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[address]
}

func (m *mockProber) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

type mockAudit struct {
	mu     sync.Mutex
	events []models.AuditEvent
}

func (m *mockAudit) Record(_ context.Context, event models.AuditEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockAudit) Events() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEvent(nil), m.events...)
}

type fixture struct {
	svc    *Impl
	reg    *registry.Registry
	fake   *discordtest.Fake
	prober *mockProber
	audit  *mockAudit
}

func newFixture(prober *mockProber, interval time.Duration, devices ...models.Device) *fixture {
	logger := zerolog.New(io.Discard)
	reg := registry.New()
	for i, d := range devices {
		id := "m" + string(rune('1'+i))
		reg.Add(registry.Binding{MessageID: id, ChannelID: "c1", Device: d})
	}
	fake := discordtest.New("bot")
	auditSvc := &mockAudit{}

	svc := New(logger, reg, prober, fake, markers.New(logger, reg, fake), auditSvc, interval)
	svc.SetMinPassDelay(time.Millisecond)

	return &fixture{svc: svc, reg: reg, fake: fake, prober: prober, audit: auditSvc}
}

func device(name, ip string, state models.DeviceState) models.Device {
	return models.Device{
		Name:           name,
		MACAddress:     "AA:BB:CC:DD:EE:FF",
		IPAddress:      ip,
		StartupTimeout: time.Minute,
		State:          state,
	}
}

func runFor(t *testing.T, f *fixture, until func() bool) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.svc.Run(ctx) }()

	require.Eventually(t, until, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRefresh_TransitionTable(t *testing.T) {
	tests := []struct {
		name      string
		prior     models.DeviceState
		reachable bool
		expected  models.DeviceState
		markers   []string
		changed   bool
		audit     models.AuditKind
	}{
		{"unknown reachable", models.StateUnknown, true, models.StatePingable, []string{models.MarkerRunning}, true, models.AuditDeviceRunning},
		{"unknown unreachable", models.StateUnknown, false, models.StateOffline, []string{models.MarkerWake}, true, models.AuditDeviceOffline},
		{"offline reachable", models.StateOffline, true, models.StatePingable, []string{models.MarkerRunning}, true, models.AuditDeviceRunning},
		{"offline unreachable", models.StateOffline, false, models.StateOffline, nil, false, ""},
		{"starting reachable", models.StateStarting, true, models.StatePingable, []string{models.MarkerRunning}, true, models.AuditDeviceRunning},
		{"starting unreachable", models.StateStarting, false, models.StateStarting, nil, false, ""},
		{"pingable reachable", models.StatePingable, true, models.StatePingable, nil, false, ""},
		{"pingable unreachable", models.StatePingable, false, models.StateOffline, []string{models.MarkerWake}, true, models.AuditDeviceOffline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(newMockProber(tt.reachable), 10*time.Second, device("PC", "10.0.0.1", tt.prior))

			tr, ok := f.svc.Refresh(context.Background(), "m1")

			require.True(t, ok)
			assert.Equal(t, tt.prior, tr.From)
			assert.Equal(t, tt.expected, tr.To)
			assert.Equal(t, tt.changed, tr.Changed)

			b, _ := f.reg.Get("m1")
			assert.Equal(t, tt.expected, b.Device.State)

			if tt.changed {
				assert.Equal(t, tt.markers, f.fake.Markers("m1"))
				events := f.audit.Events()
				require.Len(t, events, 1)
				assert.Equal(t, tt.audit, events[0].Kind)
				assert.Equal(t, "PC", events[0].DeviceName)
			} else {
				assert.Empty(t, f.fake.Calls("m1"))
				assert.Empty(t, f.audit.Events())
			}
		})
	}
}

func TestRefresh_PingableWithShutdownShowsBothMarkers(t *testing.T) {
	dev := device("PC", "10.0.0.1", models.StateOffline)
	dev.Shutdown = &models.SSHShutdownConfig{Host: "10.0.0.1"}
	f := newFixture(newMockProber(true), 10*time.Second, dev)

	_, ok := f.svc.Refresh(context.Background(), "m1")

	require.True(t, ok)
	assert.Equal(t, []string{models.MarkerRunning, models.MarkerShutdown}, f.fake.Markers("m1"))
}

func TestRefresh_ProbeTimeoutFromInterval(t *testing.T) {
	f := newFixture(newMockProber(true), 10*time.Second, device("PC", "10.0.0.1", models.StatePingable))

	f.svc.Refresh(context.Background(), "m1")

	require.Len(t, f.prober.timeouts, 1)
	assert.Equal(t, 9*time.Second, f.prober.timeouts[0])
}

func TestRefresh_ProbeErrorIsUnreachable(t *testing.T) {
	prober := &mockProber{
		probeFunc: func(_ context.Context, address string, _ time.Duration) (*models.ProbeResult, error) {
			return &models.ProbeResult{Address: address, Error: errors.New("socket: permission denied")}, nil
		},
	}
	f := newFixture(prober, time.Second, device("PC", "10.0.0.1", models.StatePingable))

	tr, ok := f.svc.Refresh(context.Background(), "m1")

	require.True(t, ok)
	assert.Equal(t, models.StateOffline, tr.To)
}

func TestRefresh_UnknownMessage(t *testing.T) {
	f := newFixture(newMockProber(true), time.Second)

	_, ok := f.svc.Refresh(context.Background(), "nope")

	assert.False(t, ok)
	assert.Equal(t, 0, f.prober.Calls("10.0.0.1"))
}

func TestRefresh_CancelledDuringProbeLeavesState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	prober := &mockProber{
		probeFunc: func(_ context.Context, address string, _ time.Duration) (*models.ProbeResult, error) {
			cancel()
			return &models.ProbeResult{Address: address}, nil
		},
	}
	f := newFixture(prober, time.Second, device("PC", "10.0.0.1", models.StatePingable))

	_, ok := f.svc.Refresh(ctx, "m1")

	assert.False(t, ok)
	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StatePingable, b.Device.State)
}

func TestRefresh_WakeDuringProbeIsNotDemoted(t *testing.T) {
	var f *fixture
	prober := &mockProber{
		probeFunc: func(_ context.Context, address string, _ time.Duration) (*models.ProbeResult, error) {
			f.reg.MarkStarting("m1", time.Now())
			return &models.ProbeResult{Address: address}, nil
		},
	}
	f = newFixture(prober, time.Second, device("PC", "10.0.0.1", models.StateOffline))

	tr, ok := f.svc.Refresh(context.Background(), "m1")

	require.True(t, ok)
	assert.Equal(t, models.StateStarting, tr.To)
	assert.False(t, tr.Changed)
}

func TestRun_NoMarkerTrafficWhileStable(t *testing.T) {
	f := newFixture(newMockProber(true), 0, device("PC", "10.0.0.1", models.StatePingable))

	runFor(t, f, func() bool { return f.prober.Calls("10.0.0.1") >= 10 })

	assert.Empty(t, f.fake.Calls(""))
	assert.Empty(t, f.audit.Events())
}

func TestRun_AtMostOneProbeInFlightPerDevice(t *testing.T) {
	prober := &mockProber{
		probeFunc: func(_ context.Context, address string, _ time.Duration) (*models.ProbeResult, error) {
			time.Sleep(2 * time.Millisecond)
			return &models.ProbeResult{Address: address, Reachable: true}, nil
		},
	}
	f := newFixture(prober, 0,
		device("A", "10.0.0.1", models.StatePingable),
		device("B", "10.0.0.2", models.StateOffline),
		device("C", "10.0.0.3", models.StateStarting),
	)

	runFor(t, f, func() bool {
		return f.prober.Calls("10.0.0.1") >= 5 && f.prober.Calls("10.0.0.2") >= 5
	})

	assert.Equal(t, 1, f.prober.MaxInFlight())
}

func TestRun_ZeroStartupTimeoutProbesOnNextPass(t *testing.T) {
	dev := device("PC", "10.0.0.1", models.StateStarting)
	dev.StartupTimeout = 0
	f := newFixture(newMockProber(false), 0, dev)

	runFor(t, f, func() bool { return f.prober.Calls("10.0.0.1") >= 3 })

	b, _ := f.reg.Get("m1")
	assert.Equal(t, models.StateStarting, b.Device.State)
	assert.Empty(t, f.fake.Calls("m1"))
}

func TestRun_ReconnectsWhenSessionDropped(t *testing.T) {
	f := newFixture(newMockProber(true), 0, device("PC", "10.0.0.1", models.StatePingable))
	f.fake.SetConnected(false)

	runFor(t, f, func() bool { return f.fake.Reconnects() >= 1 })

	assert.True(t, f.fake.Connected())
}

func TestRun_ReconnectFailureKeepsWorkersRunning(t *testing.T) {
	f := newFixture(newMockProber(true), 0, device("PC", "10.0.0.1", models.StatePingable))
	f.fake.SetConnected(false)
	f.fake.OpenErr = errors.New("gateway unavailable")

	runFor(t, f, func() bool {
		return f.fake.Reconnects() >= 2 && f.prober.Calls("10.0.0.1") >= 3
	})
}

func TestRun_SlowReconnectDoesNotStallWorkers(t *testing.T) {
	f := newFixture(newMockProber(true), 0,
		device("A", "10.0.0.1", models.StatePingable),
		device("B", "10.0.0.2", models.StatePingable),
	)
	f.fake.SetConnected(false)
	f.fake.ReconnectDelay = time.Minute

	runFor(t, f, func() bool {
		return f.prober.Calls("10.0.0.1") >= 20 && f.prober.Calls("10.0.0.2") >= 20
	})

	assert.Equal(t, 1, f.fake.Reconnects())
}

func TestRun_StopsWithoutDevices(t *testing.T) {
	f := newFixture(newMockProber(true), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, f.svc.Run(ctx))
}

func TestStartupRemaining(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		timeout     time.Duration
		requestedAt time.Time
		expected    time.Duration
	}{
		{"measured from wake", time.Minute, now.Add(-20 * time.Second), 40 * time.Second},
		{"already elapsed", time.Minute, now.Add(-2 * time.Minute), 0},
		{"no wake time uses interval", time.Minute, time.Time{}, 50 * time.Second},
		{"zero timeout", 0, time.Time{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(newMockProber(true), 10*time.Second)
			f.svc.now = func() time.Time { return now }

			got := f.svc.startupRemaining(models.Device{StartupTimeout: tt.timeout, WakeRequestedAt: tt.requestedAt})

			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestWait_WakeDuringIntervalWaitsRemainder(t *testing.T) {
	dev := device("PC", "10.0.0.1", models.StateOffline)
	dev.StartupTimeout = 80 * time.Millisecond
	f := newFixture(newMockProber(true), 20*time.Millisecond, dev)

	start := time.Now()
	go func() {
		time.Sleep(5 * time.Millisecond)
		f.reg.MarkStarting("m1", time.Now())
	}()

	require.True(t, f.svc.wait(context.Background(), "m1"))

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWait_CancelledContext(t *testing.T) {
	f := newFixture(newMockProber(true), time.Hour, device("PC", "10.0.0.1", models.StateOffline))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, f.svc.wait(ctx, "m1"))
}
