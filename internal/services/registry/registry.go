// Package registry holds the authoritative device state, keyed by the chat
// message that displays it.
package registry

import (
	"sync"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
)

// Binding associates one chat message with exactly one device.
type Binding struct {
	MessageID string
	ChannelID string
	Device    models.Device
}

// Registry is a concurrency-safe map from message ID to device.
// Devices are stored by value and replaced wholesale on every write.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]Binding
	order    []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{bindings: make(map[string]Binding)}
}

// Add stores b unless a binding for its message already exists.
func (r *Registry) Add(b Binding) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[b.MessageID]; ok {
		return false
	}

	r.bindings[b.MessageID] = b
	r.order = append(r.order, b.MessageID)
	return true
}

// Get returns the binding for messageID.
func (r *Registry) Get(messageID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[messageID]
	return b, ok
}

// Snapshot returns all bindings in insertion order.
func (r *Registry) Snapshot() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.bindings[id])
	}
	return out
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.bindings)
}

// SetState replaces the device state for messageID and returns the prior device.
func (r *Registry) SetState(messageID string, state models.DeviceState) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[messageID]
	if !ok {
		return models.Device{}, false
	}

	prior := b.Device
	b.Device.State = state
	r.bindings[messageID] = b
	return prior, true
}

// MarkStarting moves the device to Starting and records when the wake was requested.
func (r *Registry) MarkStarting(messageID string, at time.Time) (models.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[messageID]
	if !ok {
		return models.Device{}, false
	}

	prior := b.Device
	b.Device.State = models.StateStarting
	b.Device.WakeRequestedAt = at
	r.bindings[messageID] = b
	return prior, true
}

// ApplyProbe reads the current state and writes the state that follows from
// a probe result in one step.
func (r *Registry) ApplyProbe(messageID string, reachable bool) (models.Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[messageID]
	if !ok {
		return models.Transition{}, false
	}

	from := b.Device.State
	to := models.NextState(from, reachable)
	if to != from {
		b.Device.State = to
		r.bindings[messageID] = b
	}

	return models.Transition{
		From:    from,
		To:      to,
		Device:  b.Device,
		Changed: to != from,
	}, true
}
