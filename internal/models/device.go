package models

import "time"

// DefaultStartupTimeout is how long a woken device gets before it is probed again.
const DefaultStartupTimeout = 60 * time.Second

// DeviceState is the reachability state of a device.
//
// Unknown is only held before the first probe and is never re-entered.
type DeviceState int

// Device states.
const (
	StateUnknown DeviceState = iota
	StateOffline
	StateStarting
	StatePingable
)

func (s DeviceState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateStarting:
		return "starting"
	case StatePingable:
		return "pingable"
	default:
		return "unknown"
	}
}

// Device is a registered wakeable target.
type Device struct {
	Name           string
	MACAddress     string
	IPAddress      string
	Emoji          string
	StartupTimeout time.Duration
	State          DeviceState

	// WakeRequestedAt is set when a wake trigger moves the device to Starting.
	WakeRequestedAt time.Time

	Shutdown *SSHShutdownConfig // nil if not configured
}

// NextState returns the state a device moves to after a probe.
// A device that is Starting is never demoted to Offline by a failed probe.
func NextState(prior DeviceState, reachable bool) DeviceState {
	if reachable {
		return StatePingable
	}
	if prior == StateStarting {
		return StateStarting
	}
	return StateOffline
}

// Transition describes the outcome of applying a probe result to a device.
type Transition struct {
	From    DeviceState
	To      DeviceState
	Device  Device
	Changed bool
}
