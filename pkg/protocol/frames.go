// Package protocol defines the WebSocket wire frames exchanged between
// the gateway and its clients (the CLI chat client included).
package protocol

// Client frame types.
const (
	FrameChat = "chat"
	FramePing = "ping"
)

// Server frame types.
const (
	FrameChatChunk = "chat_chunk"
	FrameChatDone  = "chat_done"
	FramePong      = "pong"
	FrameError     = "error"
)

// ClientFrame is a message from a client to the gateway.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ServerFrame is a message from the gateway to a client. Meta is set
// only on chat_done.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Meta      *Meta  `json:"meta,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Meta describes how a chat reply was produced.
type Meta struct {
	Model  string `json:"model"`
	Mode   string `json:"mode"`
	Reason string `json:"reason,omitempty"`
	Tokens Usage  `json:"tokens"`
	Turns  int    `json:"turns"`
}

// Usage is token consumption for one reply.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
