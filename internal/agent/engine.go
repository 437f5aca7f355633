// Package agent runs the LLM loop: prompt assembly, the bounded
// tool-call iteration, session persistence, and cancellation.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/errs"
	"github.com/clawlite/clawlite/internal/memory"
	"github.com/clawlite/clawlite/internal/providers"
	"github.com/clawlite/clawlite/internal/sessions"
	"github.com/clawlite/clawlite/internal/skills"
	"github.com/clawlite/clawlite/internal/tools"
)

const (
	defaultMaxTurns     = 8
	defaultHistoryLimit = 20
	defaultMemoryTopK   = 5

	// StopCommand aborts the session's in-flight run on any surface.
	StopCommand = "/stop"

	stoppedReply    = "Stopped the current run."
	nothingToStop   = "Nothing is running for this conversation."
	cancelledReply  = "Run cancelled."
	maxTurnsNotice  = "I hit the tool-call limit for one turn; here is where I got to."
	requestMaxToken = 8192
)

// Meta describes how a result was produced.
type Meta struct {
	Model  string          `json:"model"`
	Mode   providers.Mode  `json:"mode"`
	Reason string          `json:"reason,omitempty"`
	Tokens providers.Usage `json:"tokens"`
	Turns  int             `json:"turns"`
}

// AssistantResult is the engine's answer for one inbound text.
type AssistantResult struct {
	Text string `json:"text"`
	Meta Meta   `json:"meta"`
}

// Chain abstracts the provider fallback chain (providers.Resolver).
type Chain interface {
	Call(ctx context.Context, fn func(p providers.Provider, model string) (*providers.ChatResponse, error)) (*providers.ChainResult, error)
}

// Options tunes the engine.
type Options struct {
	MaxTurns       int
	HistoryLimit   int
	MemoryTopK     int
	MaxConcurrency int
}

// Engine owns per-session runs. At most one run per session is active;
// later texts for the same session wait their turn.
type Engine struct {
	chain     Chain
	registry  *tools.Registry
	sessions  *sessions.Store
	memory    *memory.Index
	consol    *memory.Consolidator
	skills    *skills.Registry
	workspace string
	outbound  *bus.MessageBus // subagent result delivery; set via AttachBus

	maxTurns     int
	historyLimit int
	memoryTopK   int

	mu       sync.Mutex
	sessLock map[string]*sync.Mutex
	cancels  *canceller
	sem      chan struct{}

	spawnWG sync.WaitGroup
}

// New assembles the engine. consol may be nil in tests.
func New(chain Chain, registry *tools.Registry, store *sessions.Store, index *memory.Index, consol *memory.Consolidator, skillReg *skills.Registry, workspace string, opts Options) *Engine {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.MemoryTopK <= 0 {
		opts.MemoryTopK = defaultMemoryTopK
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = runtime.NumCPU() * 2
	}
	return &Engine{
		chain:        chain,
		registry:     registry,
		sessions:     store,
		memory:       index,
		consol:       consol,
		skills:       skillReg,
		workspace:    workspace,
		maxTurns:     opts.MaxTurns,
		historyLimit: opts.HistoryLimit,
		memoryTopK:   opts.MemoryTopK,
		sessLock:     make(map[string]*sync.Mutex),
		cancels:      newCanceller(),
		sem:          make(chan struct{}, opts.MaxConcurrency),
	}
}

// Run executes one agent turn for the session and returns the reply.
func (e *Engine) Run(ctx context.Context, sessionID, text string) (*AssistantResult, error) {
	return e.RunStream(ctx, sessionID, text, nil)
}

// RunStream is Run with streaming: onChunk receives assistant text
// fragments as they arrive. Pass nil to disable streaming.
func (e *Engine) RunStream(ctx context.Context, sessionID, text string, onChunk func(string)) (*AssistantResult, error) {
	if IsStopCommand(text) {
		return e.stop(ctx, sessionID), nil
	}

	// Per-session serialization: one run at a time, later texts queue.
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancels.register(sessionID, cancel)
	defer e.cancels.unregister(sessionID)

	result, err := e.loop(runCtx, sessionID, text, onChunk)
	if err != nil {
		if runCtx.Err() == context.Canceled && ctx.Err() == nil {
			// Cancelled via /stop, not by the caller going away.
			e.appendSafe(sessionID, sessions.Message{
				Role: "system", Text: cancelledReply, CreatedAt: time.Now().UTC(),
			})
			return nil, errs.New(errs.SessionCancelled, "run for %s cancelled", sessionID)
		}
		return nil, err
	}
	return result, nil
}

// IsStopCommand reports whether text is the /stop control command.
func IsStopCommand(text string) bool {
	return strings.TrimSpace(text) == StopCommand
}

// loop is the bounded tool-call iteration.
func (e *Engine) loop(ctx context.Context, sessionID, text string, onChunk func(string)) (*AssistantResult, error) {
	start := time.Now()
	messages := e.buildMessages(sessionID, text)

	pending := []sessions.Message{{Role: "user", Text: text, CreatedAt: time.Now().UTC()}}

	toolCtx := tools.WithSession(ctx, sessionID)
	defs := e.registry.Definitions()

	var total providers.Usage
	var meta Meta
	finalText := ""

	for turn := 1; turn <= e.maxTurns; turn++ {
		req := providers.ChatRequest{
			Messages:  messages,
			Tools:     defs,
			MaxTokens: requestMaxToken,
		}

		chain, err := e.chain.Call(ctx, func(p providers.Provider, model string) (*providers.ChatResponse, error) {
			req.Model = model
			if onChunk != nil {
				return p.ChatStream(ctx, req, func(c providers.StreamChunk) {
					if c.Content != "" {
						onChunk(c.Content)
					}
				})
			}
			return p.Chat(ctx, req)
		})
		if err != nil {
			return nil, err
		}

		resp := chain.Response
		total.Add(resp.Usage)
		meta = Meta{Model: chain.Model, Mode: chain.Mode, Reason: chain.Reason, Turns: turn}

		if len(resp.ToolCalls) == 0 {
			finalText = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			pending = append(pending, sessions.Message{
				Role: "assistant", Text: resp.Content, CreatedAt: time.Now().UTC(),
			})
		}

		for _, tc := range resp.ToolCalls {
			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("agent.tool_call", "session", sessionID, "tool", tc.Name, "turn", turn)

			result := e.registry.Execute(toolCtx, tc.Name, tc.Arguments)
			if result.IsError {
				slog.Warn("agent.tool_error", "session", sessionID, "tool", tc.Name, "error", snip(result.ForLLM, 200))
			}
			if result.ForUser != "" && !result.Silent {
				e.publishForUser(toolCtx, sessionID, result.ForUser)
			}

			messages = append(messages, providers.Message{
				Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID,
			})
			pending = append(pending, sessions.Message{
				Role:       "tool",
				ToolName:   tc.Name,
				ToolArgs:   argsJSON,
				ToolResult: result.ForLLM,
				CreatedAt:  time.Now().UTC(),
			})
		}

		if turn == e.maxTurns {
			finalText = resp.Content
			if finalText == "" {
				finalText = maxTurnsNotice
			}
		}
	}

	pending = append(pending, sessions.Message{
		Role:      "assistant",
		Text:      finalText,
		CreatedAt: time.Now().UTC(),
		Tokens:    total.TotalTokens,
	})
	e.appendSafe(sessionID, pending...)

	meta.Tokens = total
	slog.Info("agent.run.done",
		"session", sessionID,
		"turns", meta.Turns,
		"mode", meta.Mode,
		"tokens", total.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &AssistantResult{Text: finalText, Meta: meta}, nil
}

// stop cancels the session's run and every descendant subagent, then
// folds the ended conversation into long-term memory. /stop is the
// consolidation trigger; ordinary run completion is not.
func (e *Engine) stop(ctx context.Context, sessionID string) *AssistantResult {
	stopped := e.cancels.cancel(sessionID)
	if stopped {
		slog.Info("agent.stopped", "session", sessionID)
	}

	if e.consol != nil {
		if err := e.consol.SessionEnded(context.WithoutCancel(ctx), sessionID); err != nil {
			slog.Warn("memory.consolidate.failed", "session", sessionID, "error", err)
		}
	}

	if stopped {
		return &AssistantResult{Text: stoppedReply}
	}
	return &AssistantResult{Text: nothingToStop}
}

// publishForUser surfaces tool output addressed at the user as an
// interim outbound message, ahead of the model's final reply.
func (e *Engine) publishForUser(ctx context.Context, sessionID, text string) {
	reply := tools.ReplyFromCtx(ctx)
	if e.outbound == nil || reply.Channel == "" {
		return
	}
	e.outbound.PublishOutbound(bus.OutboundMessage{
		SessionID:      sessionID,
		Reply:          reply,
		Text:           text,
		Kind:           bus.KindText,
		Priority:       bus.PriorityNormal,
		IdempotencyKey: uuid.NewString(),
	})
}

// Complete makes a single no-tools model call. Used by the heartbeat
// decide phase and by memory summarization.
func (e *Engine) Complete(ctx context.Context, prompt string) (string, error) {
	chain, err := e.chain.Call(ctx, func(p providers.Provider, model string) (*providers.ChatResponse, error) {
		return p.Chat(ctx, providers.ChatRequest{
			Messages:  []providers.Message{{Role: "user", Content: prompt}},
			Model:     model,
			MaxTokens: 1024,
		})
	})
	if err != nil {
		return "", err
	}
	return chain.Response.Content, nil
}

// Summarize satisfies memory.Summarizer.
func (e *Engine) Summarize(ctx context.Context, prompt, transcript string) (string, error) {
	return e.Complete(ctx, prompt+"\n\n"+transcript)
}

// ActiveSessions lists sessions with a run in flight, for /v1/status.
func (e *Engine) ActiveSessions() []string {
	return e.cancels.active()
}

// Wait blocks until detached subagent runs finish. Shutdown hook.
func (e *Engine) Wait() {
	e.spawnWG.Wait()
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessLock[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessLock[sessionID] = lock
	}
	return lock
}

func (e *Engine) appendSafe(sessionID string, msgs ...sessions.Message) {
	if err := e.sessions.Append(sessionID, msgs...); err != nil {
		slog.Error("session.append.failed", "session", sessionID, "error", err)
	}
}

func snip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
