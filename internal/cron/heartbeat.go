package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clawlite/clawlite/internal/bootstrap"
	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/sessions"
)

// Completer makes a single no-tools model call. Implemented by the
// agent engine on top of the provider chain.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// SessionLister exposes known sessions in most-recently-active order.
type SessionLister interface {
	List() []string
}

// decision is the strict contract of the decide phase. Anything the
// model returns that does not parse into this shape is treated as skip.
type decision struct {
	Action string `json:"action"` // "skip" | "run"
	Reason string `json:"reason"`
}

const defaultHeartbeatPrompt = `You are deciding whether a periodic check-in
should do anything right now. If there is nothing time-sensitive or
overdue, skip.`

const decideContract = `Respond with exactly one JSON object and nothing else:
{"action":"skip"|"run","reason":"<short reason>"}`

// Heartbeat periodically asks the model whether proactive work is
// warranted, and when it is, runs one agent turn and delivers at most
// one message to the most recently active conversation.
type Heartbeat struct {
	interval  time.Duration
	workspace string
	completer Completer
	runner    Runner
	list      SessionLister
	bus       *bus.MessageBus
}

func NewHeartbeat(interval time.Duration, workspace string, c Completer, r Runner, l SessionLister, b *bus.MessageBus) *Heartbeat {
	return &Heartbeat{
		interval:  interval,
		workspace: workspace,
		completer: c,
		runner:    r,
		list:      l,
		bus:       b,
	}
}

// Start runs the heartbeat loop until ctx is done. A zero interval
// disables the heartbeat entirely.
func (h *Heartbeat) Start(ctx context.Context) {
	if h.interval <= 0 {
		slog.Info("heartbeat.disabled")
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	slog.Info("heartbeat.started", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	d, err := h.decide(ctx)
	if err != nil {
		slog.Warn("heartbeat.decide.failed", "error", err)
		return
	}
	if d.Action != "run" {
		slog.Debug("heartbeat.skip", "reason", d.Reason)
		return
	}

	target := h.targetSession()
	if target == "" {
		slog.Debug("heartbeat.no_target")
		return
	}
	slog.Info("heartbeat.run", "reason", d.Reason, "session", target)

	reply, err := h.runner.Run(ctx, target,
		"Heartbeat check-in. "+d.Reason+" Act on this; if a message to the user is warranted, write it.")
	if err != nil {
		slog.Error("heartbeat.act.failed", "error", err)
		return
	}
	if reply == "" {
		return
	}

	h.bus.PublishOutbound(bus.OutboundMessage{
		SessionID: target,
		Reply: bus.ReplyHandle{
			Channel:  sessions.Channel(target),
			ChatID:   sessions.Chat(target),
			ThreadID: sessions.Thread(target),
		},
		Text:           reply,
		Kind:           bus.KindText,
		Priority:       bus.PriorityLow,
		IdempotencyKey: uuid.NewString(),
	})
}

// decide asks the model for a strict JSON verdict. The prompt comes
// from HEARTBEAT.md when the operator has written one.
func (h *Heartbeat) decide(ctx context.Context) (*decision, error) {
	instruction := bootstrap.ReadWorkspaceFile(h.workspace, bootstrap.HeartbeatFile)
	if strings.TrimSpace(instruction) == "" {
		instruction = defaultHeartbeatPrompt
	}

	raw, err := h.completer.Complete(ctx, instruction+"\n\n"+decideContract)
	if err != nil {
		return nil, err
	}
	return parseDecision(raw)
}

// parseDecision enforces the decide contract. Extra prose around the
// JSON object is tolerated; a missing or unknown action is not.
func parseDecision(raw string) (*decision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, errMalformedDecision(raw)
	}

	var d decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return nil, errMalformedDecision(raw)
	}
	if d.Action != "skip" && d.Action != "run" {
		return nil, errMalformedDecision(raw)
	}
	return &d, nil
}

type malformedDecisionError struct{ raw string }

func (e malformedDecisionError) Error() string {
	return "heartbeat decision not in {\"action\":\"skip\"|\"run\"} form: " + truncate(e.raw, 120)
}

func errMalformedDecision(raw string) error { return malformedDecisionError{raw: raw} }

// targetSession picks the most recently active externally-deliverable
// session. Internal sessions (cli, ws, subagent, cron) have no push
// destination.
func (h *Heartbeat) targetSession() string {
	for _, id := range h.list.List() {
		if !sessions.IsInternal(id) {
			return id
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
