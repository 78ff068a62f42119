// Package discordtest provides an in-memory discord.Service for tests.
package discordtest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/fgeck/gowake-homelab/internal/services/discord"
)

var _ discord.Service = (*Fake)(nil)

// Call records one marker operation.
type Call struct {
	Op        string // "clear", "add" or "remove"
	ChannelID string
	MessageID string
	Emoji     string
	UserID    string
}

// Fake is a concurrency-safe recording implementation of discord.Service.
type Fake struct {
	BotID string

	OpenErr    error
	ResolveErr error
	PurgeErr   error
	AddErr     error

	// ReconnectDelay makes Reconnect block like a gateway handshake.
	ReconnectDelay time.Duration

	mu         sync.Mutex
	connected  bool
	opens      int
	reconnects int
	purged     int
	nextID     int
	sent       []models.Embed
	calls      []Call
	handler    func(models.ReactionEvent)
}

// New returns a connected fake whose bot user is botID.
func New(botID string) *Fake {
	return &Fake{BotID: botID, connected: true}
}

func (f *Fake) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.connected = true
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	f.reconnects++
	delay := f.ReconnectDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.connected = true
	return nil
}

func (f *Fake) BotUserID() string {
	return f.BotID
}

func (f *Fake) ResolveChannel(ctx context.Context, serverID, channelID string) error {
	return f.ResolveErr
}

func (f *Fake) Purge(ctx context.Context, channelID string, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PurgeErr != nil {
		return 0, f.PurgeErr
	}
	f.purged = limit
	return limit, nil
}

func (f *Fake) SendEmbed(ctx context.Context, channelID string, embed models.Embed) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, embed)
	return "msg-" + strconv.Itoa(f.nextID), nil
}

func (f *Fake) ClearMarkers(ctx context.Context, channelID, messageID string) error {
	f.record(Call{Op: "clear", ChannelID: channelID, MessageID: messageID})
	return nil
}

func (f *Fake) AddMarker(ctx context.Context, channelID, messageID, emoji string) error {
	f.record(Call{Op: "add", ChannelID: channelID, MessageID: messageID, Emoji: emoji})
	return f.AddErr
}

func (f *Fake) RemoveMarker(ctx context.Context, channelID, messageID, emoji, userID string) error {
	f.record(Call{Op: "remove", ChannelID: channelID, MessageID: messageID, Emoji: emoji, UserID: userID})
	return nil
}

func (f *Fake) OnReaction(fn func(models.ReactionEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *Fake) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// SetConnected simulates a gateway drop or recovery.
func (f *Fake) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// Emit delivers ev to the registered reaction handler, if any.
func (f *Fake) Emit(ev models.ReactionEvent) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Calls returns the marker calls recorded for messageID, or all calls when
// messageID is empty.
func (f *Fake) Calls(messageID string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Call
	for _, c := range f.calls {
		if messageID == "" || c.MessageID == messageID {
			out = append(out, c)
		}
	}
	return out
}

// Markers returns the emoji currently added by the bot on messageID,
// replaying clear and add calls in order.
func (f *Fake) Markers(messageID string) []string {
	var out []string
	for _, c := range f.Calls(messageID) {
		switch c.Op {
		case "clear":
			out = nil
		case "add":
			out = append(out, c.Emoji)
		}
	}
	return out
}

// Sent returns the embeds posted so far.
func (f *Fake) Sent() []models.Embed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Embed(nil), f.sent...)
}

// Reconnects returns how often Reconnect was called.
func (f *Fake) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

// Opens returns how often Open was called.
func (f *Fake) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Purged returns the limit passed to the last successful Purge.
func (f *Fake) Purged() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.purged
}

// HasHandler reports whether a reaction handler was registered.
func (f *Fake) HasHandler() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}
