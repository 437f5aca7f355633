package bus

// ReplyHandle carries the correlation a channel needs to route a reply
// back to where the conversation happens (chat, thread, original message).
type ReplyHandle struct {
	Channel   string `json:"channel"`
	Account   string `json:"account,omitempty"`
	ChatID    string `json:"chat_id"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// InboundMessage represents a message received from a channel
// (Telegram, Discord, WebSocket, CLI) after allowlist checks passed.
type InboundMessage struct {
	SessionID  string      `json:"session_id"`
	SenderID   string      `json:"sender_id"`
	Text       string      `json:"text"`
	Media      []string    `json:"media,omitempty"`
	ReceivedAt int64       `json:"received_at"` // unix ms
	Reply      ReplyHandle `json:"reply"`
}

// MessageKind distinguishes outbound payload types.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
	KindFile  MessageKind = "file"
)

// Priority orders outbound messages within a destination.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// OutboundMessage represents a message to be delivered through a channel.
type OutboundMessage struct {
	SessionID      string      `json:"session_id"`
	Reply          ReplyHandle `json:"reply"`
	Text           string      `json:"text"`
	Kind           MessageKind `json:"kind,omitempty"`
	Priority       Priority    `json:"priority,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

// Stats is a snapshot of queue depths, surfaced on /health.
type Stats struct {
	InboundDepth   int `json:"inbound_depth"`
	OutboundDepth  int `json:"outbound_depth"`
	InFlight       int `json:"in_flight"`
	DedupedSends   int `json:"deduped_sends"`
	TrackedPending int `json:"tracked_pending"`
}
