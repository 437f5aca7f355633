// Package sessions holds session identity and the append-only message log.
//
// Session ids follow the canonical format:
//
//	Channel:  {channel}:{chat}            e.g. telegram:386246614
//	Thread:   {channel}:{chat}:{thread}   e.g. telegram:-100123:99
//	CLI:      cli:{id}
//	WS:       ws:{id}
//	Subagent: subagent:{id}
package sessions

import (
	"fmt"
	"strings"
)

// BuildID builds the canonical session id for a channel conversation.
// thread is optional; pass "" for plain chats.
func BuildID(channel, chat, thread string) string {
	if thread != "" {
		return fmt.Sprintf("%s:%s:%s", channel, chat, thread)
	}
	return fmt.Sprintf("%s:%s", channel, chat)
}

// BuildCLIID builds the session id for a CLI conversation.
func BuildCLIID(id string) string { return "cli:" + id }

// BuildWSID builds the session id for a WebSocket conversation.
func BuildWSID(id string) string { return "ws:" + id }

// BuildSubagentID builds the session id for a spawned subagent run.
func BuildSubagentID(id string) string { return "subagent:" + id }

// Channel extracts the channel segment of a session id.
func Channel(sessionID string) string {
	if idx := strings.IndexByte(sessionID, ':'); idx > 0 {
		return sessionID[:idx]
	}
	return sessionID
}

// Chat extracts the chat segment of a session id ("" when absent).
func Chat(sessionID string) string {
	parts := strings.SplitN(sessionID, ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Thread extracts the thread segment of a session id ("" when absent).
func Thread(sessionID string) string {
	parts := strings.SplitN(sessionID, ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// IsSubagent reports whether the session id belongs to a subagent run.
func IsSubagent(sessionID string) bool {
	return strings.HasPrefix(sessionID, "subagent:")
}

// IsInternal reports whether the session originates from an internal
// surface with no channel backend behind it.
func IsInternal(sessionID string) bool {
	switch Channel(sessionID) {
	case "cli", "ws", "subagent", "cron", "system":
		return true
	}
	return false
}

// FileSafe encodes a session id for use as a filename. Colons become
// double underscores; path separators are rejected outright.
func FileSafe(sessionID string) string {
	s := strings.ReplaceAll(sessionID, ":", "__")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
