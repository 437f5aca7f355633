// Package telegram connects a Telegram bot account to the bus using
// long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/channels"
	"github.com/clawlite/clawlite/internal/errs"
)

const defaultPollTimeout = 30 // seconds

// Channel is one Telegram bot account.
type Channel struct {
	*channels.BaseChannel
	bot         *telego.Bot
	pollTimeout int
}

// New builds the instance. The bot token is validated lazily on Run so
// a bad token surfaces as a supervised reconnect, not a boot failure.
func New(account, token string, b *bus.MessageBus, allowFrom []string, pollTimeoutSeconds int) (*Channel, error) {
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if pollTimeoutSeconds <= 0 {
		pollTimeoutSeconds = defaultPollTimeout
	}
	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", account, b, allowFrom),
		bot:         bot,
		pollTimeout: pollTimeoutSeconds,
	}, nil
}

// Run long-polls for updates until ctx is done or polling fails.
func (c *Channel) Run(ctx context.Context) error {
	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout:        c.pollTimeout,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram.connected", "account", c.Account())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram updates stream closed")
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			c.handleMessage(update.Message)
		}
	}
}

func (c *Channel) handleMessage(msg *telego.Message) {
	senderID := ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		if msg.From.Username != "" {
			senderID += "|" + msg.From.Username
		}
	}

	threadID := ""
	if msg.MessageThreadID != 0 {
		threadID = strconv.Itoa(msg.MessageThreadID)
	}

	c.HandleInbound(
		senderID,
		strconv.FormatInt(msg.Chat.ID, 10),
		threadID,
		strconv.Itoa(msg.MessageID),
		msg.Text,
		nil,
	)
}

// Send delivers one outbound message to its chat (and thread, for forum
// supergroups).
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.Reply.ChatID, 10, 64)
	if err != nil {
		return errs.Wrap(errs.ChannelUnavailable, err, "bad telegram chat id %q", msg.Reply.ChatID)
	}

	params := tu.Message(tu.ID(chatID), msg.Text)
	if msg.Reply.ThreadID != "" {
		if threadID, terr := strconv.Atoi(msg.Reply.ThreadID); terr == nil {
			params.MessageThreadID = threadID
		}
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return errs.Wrap(errs.ProviderSendFailed, err, "telegram send to %d", chatID)
	}
	return nil
}
