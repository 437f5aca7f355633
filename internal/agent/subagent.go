package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/sessions"
)

// maxSpawnDepth bounds subagent nesting: a subagent may spawn one more
// level, a grandchild may not.
const maxSpawnDepth = 2

// AttachBus wires the outbound queue used to deliver subagent results
// back to the originating conversation.
func (e *Engine) AttachBus(b *bus.MessageBus) {
	e.outbound = b
}

// Spawn starts a detached child run working on objective. Implements
// tools.Spawner. The child's result is published to the parent session
// through the outbound queue; /stop on the parent cancels the child.
func (e *Engine) Spawn(ctx context.Context, parentSessionID, objective string) (string, error) {
	if e.cancels.depth(parentSessionID)+1 > maxSpawnDepth {
		return "", fmt.Errorf("subagent depth limit (%d) reached", maxSpawnDepth)
	}

	childID := sessions.BuildSubagentID(uuid.NewString())
	e.cancels.link(parentSessionID, childID)

	e.spawnWG.Add(1)
	go func() {
		defer e.spawnWG.Done()

		// Detached from the parent's request context: the spawning turn
		// returns immediately while the child keeps working.
		result, err := e.Run(context.WithoutCancel(ctx), childID, objective)
		if err != nil {
			slog.Warn("subagent.failed", "child", childID, "parent", parentSessionID, "error", err)
			e.deliver(parentSessionID, fmt.Sprintf("Subagent failed: %v", err))
			return
		}
		slog.Info("subagent.done", "child", childID, "parent", parentSessionID)
		e.deliver(parentSessionID, "Subagent result:\n\n"+result.Text)
	}()

	return childID, nil
}

// deliver publishes text to the parent session's conversation. Sessions
// without a channel destination (cli, ws) still get the record appended
// to their log; the dispatcher drops undeliverable messages.
func (e *Engine) deliver(parentSessionID, text string) {
	e.appendSafe(parentSessionID, sessions.Message{Role: "system", Text: text, CreatedAt: time.Now().UTC()})

	if e.outbound == nil {
		return
	}
	e.outbound.PublishOutbound(bus.OutboundMessage{
		SessionID: parentSessionID,
		Reply: bus.ReplyHandle{
			Channel:  sessions.Channel(parentSessionID),
			ChatID:   sessions.Chat(parentSessionID),
			ThreadID: sessions.Thread(parentSessionID),
		},
		Text:           text,
		Kind:           bus.KindText,
		Priority:       bus.PriorityNormal,
		IdempotencyKey: uuid.NewString(),
	})
}
