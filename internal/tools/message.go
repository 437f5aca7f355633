package tools

import (
	"context"

	"github.com/google/uuid"

	"github.com/clawlite/clawlite/internal/bus"
)

// SendMessageTool publishes an outbound message for the current session
// through the bus. This is how the agent speaks outside a direct reply.
type SendMessageTool struct {
	bus *bus.MessageBus
}

func NewSendMessageTool(b *bus.MessageBus) *SendMessageTool {
	return &SendMessageTool{bus: b}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to the user on the current conversation's channel."
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
		},
		"required": []string{"text"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	text, _ := args["text"].(string)
	if text == "" {
		return ErrorResult("text is required")
	}
	sessionID := SessionFromCtx(ctx)
	reply := ReplyFromCtx(ctx)
	if reply.Channel == "" {
		return ErrorResult("current session has no deliverable channel")
	}

	t.bus.PublishOutbound(bus.OutboundMessage{
		SessionID:      sessionID,
		Reply:          reply,
		Text:           text,
		Kind:           bus.KindText,
		Priority:       bus.PriorityNormal,
		IdempotencyKey: uuid.NewString(),
	})
	return SilentResult("message queued for delivery")
}
