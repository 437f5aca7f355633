// Package discord connects a Discord bot account to the bus over the
// gateway websocket.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/channels"
	"github.com/clawlite/clawlite/internal/errs"
)

// Discord caps messages at 2000 characters; longer replies are chunked.
const maxMessageLen = 2000

// Channel is one Discord bot account.
type Channel struct {
	*channels.BaseChannel
	session *discordgo.Session
}

func New(account, token string, b *bus.MessageBus, allowFrom []string) (*Channel, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", account, b, allowFrom),
		session:     session,
	}, nil
}

// Run opens the gateway connection and consumes events until ctx ends.
func (c *Channel) Run(ctx context.Context) error {
	remove := c.session.AddHandler(c.handleMessage)
	defer remove()

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	defer c.session.Close()

	user, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("discord identify: %w", err)
	}
	slog.Info("discord.connected", "account", c.Account(), "user", user.Username)

	<-ctx.Done()
	return ctx.Err()
}

func (c *Channel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}

	senderID := m.Author.ID
	if m.Author.Username != "" {
		senderID += "|" + m.Author.Username
	}

	threadID := ""
	if ch, err := s.State.Channel(m.ChannelID); err == nil && ch.IsThread() {
		threadID = m.ChannelID
	}

	c.HandleInbound(senderID, m.ChannelID, threadID, m.ID, m.Content, nil)
}

// Send delivers one outbound message, chunked to Discord's size limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	channelID := msg.Reply.ChatID
	if msg.Reply.ThreadID != "" {
		channelID = msg.Reply.ThreadID
	}

	for _, chunk := range chunkText(msg.Text, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return errs.Wrap(errs.ProviderSendFailed, err, "discord send to %s", channelID)
		}
	}
	return nil
}

// chunkText splits on length, preferring newline boundaries.
func chunkText(s string, limit int) []string {
	if len(s) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(s) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if s[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
