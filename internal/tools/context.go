package tools

import (
	"context"

	"github.com/clawlite/clawlite/internal/bus"
)

type ctxKey int

const (
	ctxKeySession ctxKey = iota
	ctxKeyReply
)

// WithSession attaches the running session id to the tool context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxKeySession, sessionID)
}

// SessionFromCtx returns the session id the tool call belongs to.
func SessionFromCtx(ctx context.Context) string {
	s, _ := ctx.Value(ctxKeySession).(string)
	return s
}

// WithReply attaches the inbound reply handle so outbound-producing tools
// can address the originating chat.
func WithReply(ctx context.Context, reply bus.ReplyHandle) context.Context {
	return context.WithValue(ctx, ctxKeyReply, reply)
}

// ReplyFromCtx returns the reply handle, zero when the session has none
// (cron, subagent, ws sessions).
func ReplyFromCtx(ctx context.Context) bus.ReplyHandle {
	r, _ := ctx.Value(ctxKeyReply).(bus.ReplyHandle)
	return r
}
