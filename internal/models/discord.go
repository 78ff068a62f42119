package models

// Reaction markers shown on device messages.
const (
	MarkerWake     = "🔌"
	MarkerWaiting  = "⏳"
	MarkerRunning  = "🏃"
	MarkerShutdown = "🛑"
)

// ReactionEvent is a reaction-added event from the chat platform.
type ReactionEvent struct {
	ChannelID string
	MessageID string
	Emoji     string // unicode glyph, or "name:id" for custom emoji
	UserID    string
}

// Embed is the platform-neutral content of a posted message.
type Embed struct {
	Author      string
	Description string
}

// MarkersFor returns the markers a device message shows in the given state.
func MarkersFor(state DeviceState, dev Device) []string {
	switch state {
	case StatePingable:
		if dev.Shutdown != nil {
			return []string{MarkerRunning, MarkerShutdown}
		}
		return []string{MarkerRunning}
	case StateStarting:
		return []string{MarkerWaiting}
	case StateOffline:
		return []string{MarkerWake}
	default:
		return nil
	}
}
