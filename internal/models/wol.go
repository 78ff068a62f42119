package models

// WOLConfig holds Wake-on-LAN transport configuration.
type WOLConfig struct {
	BroadcastIP string
}

// WakeResult holds the result of a Wake-on-LAN send.
type WakeResult struct {
	PacketsSent int // one per destination port that accepted the datagram
	Error       error
}

// ProbeResult holds the result of a single reachability probe.
type ProbeResult struct {
	Reachable bool
	Address   string
	Error     error // socket or resolution failure; Reachable is false
}
