// Package channels connects external chat platforms to the message bus.
// Each (channel, account) pair runs as one supervised instance with its
// own outbound delivery pipeline.
package channels

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/sessions"
)

// Channel is one connected platform account.
type Channel interface {
	// Name is the platform identifier ("telegram", "discord").
	Name() string

	// Account is the instance label within the platform.
	Account() string

	// Run connects and consumes inbound events until ctx is done or the
	// connection fails. The manager supervises and restarts it.
	Run(ctx context.Context) error

	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// BaseChannel carries the pieces every implementation shares: bus
// publishing and allowlist enforcement. Embed it.
type BaseChannel struct {
	name      string
	account   string
	bus       *bus.MessageBus
	allowFrom []string
}

func NewBaseChannel(name, account string, b *bus.MessageBus, allowFrom []string) *BaseChannel {
	if account == "" {
		account = "default"
	}
	return &BaseChannel{name: name, account: account, bus: b, allowFrom: allowFrom}
}

func (c *BaseChannel) Name() string    { return c.name }
func (c *BaseChannel) Account() string { return c.account }

// IsAllowed checks the sender against the allowlist. An empty allowlist
// admits everyone. Entries match the sender id or, with a leading "@",
// the username part of "id|username" sender ids.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	idPart, userPart, _ := strings.Cut(senderID, "|")
	for _, allowed := range c.allowFrom {
		trimmed := strings.TrimPrefix(allowed, "@")
		if senderID == allowed || idPart == trimmed || (userPart != "" && userPart == trimmed) {
			return true
		}
	}
	return false
}

// HandleInbound enforces the allowlist and publishes the message to the
// bus under its session id. Rejections are logged, never delivered.
func (c *BaseChannel) HandleInbound(senderID, chatID, threadID, messageID, text string, media []string) {
	if !c.IsAllowed(senderID) {
		slog.Warn("channels.inbound.rejected",
			"channel", c.name,
			"account", c.account,
			"sender", senderID,
			"reason", "not_in_allowlist",
		)
		return
	}

	c.bus.PublishInbound(bus.InboundMessage{
		SessionID:  sessions.BuildID(c.name, chatID, threadID),
		SenderID:   senderID,
		Text:       text,
		Media:      media,
		ReceivedAt: time.Now().UnixMilli(),
		Reply: bus.ReplyHandle{
			Channel:   c.name,
			Account:   c.account,
			ChatID:    chatID,
			ThreadID:  threadID,
			MessageID: messageID,
		},
	})
}
