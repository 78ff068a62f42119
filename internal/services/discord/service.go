// Package discord adapts a discordgo session to the operations the bot needs:
// channel lookup, message posting and reaction markers.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/fgeck/gowake-homelab/internal/models"
	"github.com/rs/zerolog"
)

// Startup errors returned by ResolveChannel.
var (
	ErrGuildNotFound   = errors.New("target server not found or Discord unavailable")
	ErrChannelNotFound = errors.New("target channel not found")
	ErrNotTextChannel  = errors.New("target channel is not a text channel")
)

// maxFetch is the largest page Discord returns for a message history request.
const maxFetch = 100

// Intents the bot subscribes to.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsGuildMessageReactions

// Service defines the chat operations consumed by the bot.
type Service interface {
	Open(ctx context.Context) error
	Close() error
	Connected() bool
	Reconnect(ctx context.Context) error
	BotUserID() string
	ResolveChannel(ctx context.Context, serverID, channelID string) error
	Purge(ctx context.Context, channelID string, limit int) (int, error)
	SendEmbed(ctx context.Context, channelID string, embed models.Embed) (string, error)
	ClearMarkers(ctx context.Context, channelID, messageID string) error
	AddMarker(ctx context.Context, channelID, messageID, emoji string) error
	RemoveMarker(ctx context.Context, channelID, messageID, emoji, userID string) error
	OnReaction(fn func(models.ReactionEvent))
}

// Session is the subset of *discordgo.Session used by Impl.
type Session interface {
	Open() error
	Close() error
	Ready() bool
	UserID() string
	AddReactionHandler(fn func(models.ReactionEvent))

	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessagesBulkDelete(channelID string, messages []string, options ...discordgo.RequestOption) error
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionsRemoveAll(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
}

// gatewaySession adds readiness and handler helpers to a discordgo session.
type gatewaySession struct {
	*discordgo.Session
}

func (s *gatewaySession) Ready() bool {
	s.RLock()
	defer s.RUnlock()
	return s.DataReady
}

func (s *gatewaySession) UserID() string {
	if s.State == nil {
		return ""
	}
	s.State.RLock()
	defer s.State.RUnlock()
	if s.State.User == nil {
		return ""
	}
	return s.State.User.ID
}

func (s *gatewaySession) AddReactionHandler(fn func(models.ReactionEvent)) {
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
		if r.MessageReaction == nil {
			return
		}
		fn(models.ReactionEvent{
			ChannelID: r.ChannelID,
			MessageID: r.MessageID,
			Emoji:     r.Emoji.APIName(),
			UserID:    r.UserID,
		})
	})
}

// NewSession creates a discordgo session for a bot token.
func NewSession(token string) (Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}
	s.Identify.Intents = Intents
	return &gatewaySession{Session: s}, nil
}

// Impl implements the Discord Service interface.
type Impl struct {
	session Session
	logger  zerolog.Logger

	// reconnect serializes Close/Open pairs.
	reconnect sync.Mutex
}

// New creates a new Discord service for a bot token.
func New(logger zerolog.Logger, token string) (*Impl, error) {
	session, err := NewSession(token)
	if err != nil {
		return nil, err
	}
	return NewWithSession(logger, session), nil
}

// NewWithSession creates a new Discord service with a custom session (for testing).
func NewWithSession(logger zerolog.Logger, session Session) *Impl {
	return &Impl{
		session: session,
		logger:  logger,
	}
}

// Open logs in and opens the gateway connection.
func (s *Impl) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Info().Msg("logging in to Discord")

	if err := s.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	return nil
}

// Close closes the gateway connection.
func (s *Impl) Close() error {
	return s.session.Close()
}

// Connected reports whether the gateway session is ready.
func (s *Impl) Connected() bool {
	return s.session.Ready()
}

// Reconnect closes and re-opens the gateway connection.
func (s *Impl) Reconnect(ctx context.Context) error {
	s.reconnect.Lock()
	defer s.reconnect.Unlock()

	if s.session.Ready() {
		return nil
	}

	s.logger.Warn().Msg("Discord session disconnected, logging in again")

	_ = s.session.Close()
	err := s.Open(ctx)
	if errors.Is(err, discordgo.ErrWSAlreadyOpen) {
		// discordgo's own reconnect loop got there first.
		s.logger.Debug().Msg("Discord session already re-opened")
		return nil
	}
	return err
}

// BotUserID returns the bot's own user ID, or "" before login.
func (s *Impl) BotUserID() string {
	return s.session.UserID()
}

// ResolveChannel checks that channelID is a text channel inside serverID.
func (s *Impl) ResolveChannel(ctx context.Context, serverID, channelID string) error {
	if _, err := s.session.Guild(serverID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrGuildNotFound, serverID, err)
	}

	ch, err := s.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrChannelNotFound, channelID, err)
	}
	if ch.GuildID != serverID {
		return fmt.Errorf("%w: %s is not in server %s", ErrChannelNotFound, channelID, serverID)
	}
	if ch.Type != discordgo.ChannelTypeGuildText {
		return fmt.Errorf("%w: %s", ErrNotTextChannel, channelID)
	}

	s.logger.Info().
		Str("server_id", serverID).
		Str("channel_id", channelID).
		Msg("target server and channel found")
	return nil
}

// Purge deletes up to limit of the most recent messages in the channel and
// returns how many were deleted.
func (s *Impl) Purge(ctx context.Context, channelID string, limit int) (int, error) {
	var ids []string
	before := ""

	for len(ids) < limit {
		page := min(limit-len(ids), maxFetch)
		msgs, err := s.session.ChannelMessages(channelID, page, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return 0, fmt.Errorf("failed to fetch messages: %w", err)
		}
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if len(msgs) < page {
			break
		}
		before = msgs[len(msgs)-1].ID
	}

	if len(ids) == 0 {
		return 0, nil
	}

	s.logger.Info().Int("count", len(ids)).Msg("purging channel messages")

	deleted := 0
	for start := 0; start < len(ids); start += maxFetch {
		batch := ids[start:min(start+maxFetch, len(ids))]
		if len(batch) > 1 {
			err := s.session.ChannelMessagesBulkDelete(channelID, batch, discordgo.WithContext(ctx))
			if err == nil {
				deleted += len(batch)
				continue
			}
			// Bulk delete rejects messages older than two weeks.
			s.logger.Debug().Err(err).Msg("bulk delete failed, deleting one by one")
		}
		for _, id := range batch {
			if err := s.session.ChannelMessageDelete(channelID, id, discordgo.WithContext(ctx)); err != nil {
				s.logger.Warn().Err(err).Str("message_id", id).Msg("failed to delete message")
				continue
			}
			deleted++
		}
	}

	return deleted, nil
}

// SendEmbed posts an embed and returns the new message ID.
func (s *Impl) SendEmbed(ctx context.Context, channelID string, embed models.Embed) (string, error) {
	msg := &discordgo.MessageEmbed{Description: embed.Description}
	if embed.Author != "" {
		msg.Author = &discordgo.MessageEmbedAuthor{Name: embed.Author}
	}

	m, err := s.session.ChannelMessageSendEmbed(channelID, msg, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return m.ID, nil
}

// ClearMarkers removes every reaction from a message.
func (s *Impl) ClearMarkers(ctx context.Context, channelID, messageID string) error {
	if err := s.session.MessageReactionsRemoveAll(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to clear reactions on %s: %w", messageID, err)
	}
	return nil
}

// AddMarker adds the bot's own reaction to a message.
func (s *Impl) AddMarker(ctx context.Context, channelID, messageID, emoji string) error {
	if err := s.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add reaction %s on %s: %w", emoji, messageID, err)
	}
	return nil
}

// RemoveMarker removes one user's reaction from a message.
func (s *Impl) RemoveMarker(ctx context.Context, channelID, messageID, emoji, userID string) error {
	if err := s.session.MessageReactionRemove(channelID, messageID, emoji, userID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to remove reaction %s on %s: %w", emoji, messageID, err)
	}
	return nil
}

// OnReaction registers fn for every reaction added in any visible channel.
func (s *Impl) OnReaction(fn func(models.ReactionEvent)) {
	s.session.AddReactionHandler(fn)
}
