package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clawlite/clawlite/internal/agent"
	"github.com/clawlite/clawlite/internal/bootstrap"
	"github.com/clawlite/clawlite/internal/bus"
	"github.com/clawlite/clawlite/internal/channels"
	"github.com/clawlite/clawlite/internal/channels/discord"
	"github.com/clawlite/clawlite/internal/channels/telegram"
	"github.com/clawlite/clawlite/internal/config"
	"github.com/clawlite/clawlite/internal/cron"
	"github.com/clawlite/clawlite/internal/errs"
	"github.com/clawlite/clawlite/internal/gateway"
	"github.com/clawlite/clawlite/internal/mcp"
	"github.com/clawlite/clawlite/internal/memory"
	"github.com/clawlite/clawlite/internal/providers"
	"github.com/clawlite/clawlite/internal/sessions"
	"github.com/clawlite/clawlite/internal/skills"
	"github.com/clawlite/clawlite/internal/tools"
)

const idleSweepInterval = time.Minute

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config.load.failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	os.MkdirAll(cfg.State, 0o755)
	os.MkdirAll(cfg.Workspace, 0o755)

	if err := config.EnsureToken(cfg, cfgPath); err != nil {
		slog.Error("gateway.token.failed", "error", err)
		os.Exit(1)
	}

	seeded, err := bootstrap.EnsureWorkspaceFiles(cfg.Workspace)
	if err != nil {
		slog.Warn("bootstrap.seed.failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("bootstrap.seeded", "files", seeded)
	}

	msgBus := bus.New(cfg.Sessions.QueueCapacity, cfg.DedupeWindow())
	defer msgBus.Close()

	sessStore, err := sessions.NewStore(filepath.Join(cfg.State, "sessions"))
	if err != nil {
		slog.Error("sessions.open.failed", "error", err)
		os.Exit(1)
	}
	defer sessStore.Close()

	memIndex, err := memory.Open(filepath.Join(cfg.State, "memory.jsonl"))
	if err != nil {
		slog.Error("memory.open.failed", "error", err)
		os.Exit(1)
	}
	defer memIndex.Close()

	cronStore, err := cron.OpenStore(filepath.Join(cfg.State, "cron.db"), cfg.Location())
	if err != nil {
		slog.Error("cron.open.failed", "error", err)
		os.Exit(1)
	}
	defer cronStore.Close()

	skillReg := skills.NewRegistry(skills.DefaultRoots(
		filepath.Join(cfg.State, "skills"),
		cfg.Workspace,
		cfg.State,
	), skills.Lenient)
	if err := skillReg.Load(); err != nil {
		slog.Warn("skills.load.failed", "error", err)
	}
	slog.Info("skills.loaded", "count", len(skillReg.List(false)))

	toolsReg := tools.NewRegistry()
	mustRegister(toolsReg,
		tools.NewShellTool(cfg.Workspace),
		tools.NewReadFileTool(cfg.Workspace),
		tools.NewWriteFileTool(cfg.Workspace),
		tools.NewListDirTool(cfg.Workspace),
		tools.NewWebFetchTool(),
		tools.NewSendMessageTool(msgBus),
		tools.NewCronTool(cronStore),
		tools.NewRunSkillTool(skillReg),
	)

	resolver := providers.NewResolver(providers.Credentials{
		Anthropic:  cfg.Provider.AnthropicAPIKey,
		OpenAI:     cfg.Provider.OpenAIAPIKey,
		OpenRouter: cfg.Provider.OpenRouterAPIKey,
		Groq:       cfg.Provider.GroqAPIKey,
	}, cfg.Provider.Model, cfg.Provider.Fallback, cfg.Provider.Offline)

	// The consolidator summarizes through the engine, which in turn owns
	// the consolidator; the indirection breaks the construction cycle.
	summ := &engineSummarizer{}
	consol := memory.NewConsolidator(memIndex, sessStore, summ)

	engine := agent.New(resolver, toolsReg, sessStore, memIndex, consol, skillReg, cfg.Workspace, agent.Options{
		MaxTurns:       cfg.Agent.MaxTurns,
		HistoryLimit:   cfg.Agent.HistoryLimit,
		MemoryTopK:     cfg.Agent.MemoryTopK,
		MaxConcurrency: cfg.Agent.MaxConcurrency,
	})
	summ.engine = engine
	engine.AttachBus(msgBus)
	mustRegister(toolsReg, tools.NewSpawnTool(engine))

	// /stop must reach the engine even while a run for its session is in
	// flight; queued behind that run it could never cancel anything.
	msgBus.Intercept(func(msg bus.InboundMessage) bool {
		if !agent.IsStopCommand(msg.Text) {
			return false
		}
		go func() {
			result, err := engine.Run(context.Background(), msg.SessionID, msg.Text)
			if err != nil {
				slog.Warn("agent.stop.failed", "session", msg.SessionID, "error", err)
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				SessionID:      msg.SessionID,
				Reply:          msg.Reply,
				Text:           result.Text,
				Kind:           bus.KindText,
				Priority:       bus.PriorityHigh,
				IdempotencyKey: uuid.NewString(),
			})
		}()
		return true
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown.initiated", "signal", sig)
		cancel()
	}()

	if len(cfg.MCP.Servers) > 0 {
		mcpMgr := mcp.NewManager(cfg.MCP.Servers)
		mcpMgr.Start(ctx)
		defer mcpMgr.Close()
		mustRegister(toolsReg, tools.NewMCPTool(mcpMgr))
	}

	runner := &engineRunner{engine: engine}
	scheduler := cron.NewScheduler(cronStore, runner, msgBus, cfg.Location())
	go scheduler.Start(ctx)

	heartbeat := cron.NewHeartbeat(cfg.HeartbeatInterval(), cfg.Workspace, engine, runner, sessStore, msgBus)
	go heartbeat.Start(ctx)

	mgr := channels.NewManager(msgBus)
	registerChannels(cfg, msgBus, mgr)
	mgr.Start(ctx)

	go consumeInbound(ctx, msgBus, engine)
	go sweepIdleSessions(ctx, consol, cfg.IdleTimeout())
	go func() {
		if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			// Channel and provider wiring is fixed at boot; note what
			// a restart would pick up.
			slog.Info("config.reload.noted",
				"model", next.Provider.Model,
				"heartbeat_seconds", next.Scheduler.HeartbeatIntervalSeconds)
		}); err != nil {
			slog.Warn("config.watch.failed", "error", err)
		}
	}()

	server := gateway.NewServer(cfg.Gateway, engine, cronStore, msgBus, mgr)
	slog.Info("clawlite.starting",
		"version", Version,
		"workspace", cfg.Workspace,
		"model", cfg.Provider.Model,
		"tools", len(toolsReg.Names()),
	)
	if err := server.Start(ctx); err != nil {
		slog.Error("gateway.failed", "error", err)
	}

	// Gateway is down; drain the rest.
	cancel()
	mgr.Wait()
	engine.Wait()
	slog.Info("clawlite.stopped")
}

func mustRegister(reg *tools.Registry, ts ...tools.Tool) {
	for _, t := range ts {
		if err := reg.Register(t); err != nil {
			slog.Error("tools.register.failed", "tool", t.Name(), "error", err)
			os.Exit(1)
		}
	}
}

func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, mgr *channels.Manager) {
	if tg := cfg.Channels.Telegram; tg.Enabled {
		for _, acc := range tg.AccountList() {
			ch, err := telegram.New(acc.Name, acc.Token, msgBus, tg.AllowFrom, tg.PollTimeoutSeconds)
			if err != nil {
				slog.Error("telegram.init.failed", "account", acc.Name, "error", err)
				continue
			}
			mgr.Register(ch, tg.Fallback)
		}
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		for _, acc := range dc.AccountList() {
			ch, err := discord.New(acc.Name, acc.Token, msgBus, dc.AllowFrom)
			if err != nil {
				slog.Error("discord.init.failed", "account", acc.Name, "error", err)
				continue
			}
			mgr.Register(ch, dc.Fallback)
		}
	}
}

// consumeInbound routes bus messages through the engine and publishes
// replies. One goroutine per message; the bus itself guarantees at most
// one in-flight message per session.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, engine *agent.Engine) {
	for {
		msg, ok := msgBus.TakeInbound(ctx)
		if !ok {
			return
		}
		go func(msg bus.InboundMessage) {
			defer msgBus.Done(msg.SessionID)

			runCtx := tools.WithReply(ctx, msg.Reply)
			result, err := engine.Run(runCtx, msg.SessionID, msg.Text)
			if err != nil {
				slog.Warn("agent.run.failed", "session", msg.SessionID, "error", err)
				if errs.Is(err, errs.SessionCancelled) {
					return
				}
				msgBus.PublishOutbound(bus.OutboundMessage{
					SessionID:      msg.SessionID,
					Reply:          msg.Reply,
					Text:           "Something went wrong handling that. Please try again.",
					Kind:           bus.KindText,
					IdempotencyKey: uuid.NewString(),
				})
				return
			}
			if result.Text == "" {
				return
			}
			msgBus.PublishOutbound(bus.OutboundMessage{
				SessionID:      msg.SessionID,
				Reply:          msg.Reply,
				Text:           result.Text,
				Kind:           bus.KindText,
				Priority:       bus.PriorityNormal,
				IdempotencyKey: uuid.NewString(),
			})
		}(msg)
	}
}

func sweepIdleSessions(ctx context.Context, consol *memory.Consolidator, timeout time.Duration) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			consol.SweepIdle(ctx, timeout)
		}
	}
}

// engineRunner adapts the engine to the scheduler's plain-text contract.
type engineRunner struct {
	engine *agent.Engine
}

func (r *engineRunner) Run(ctx context.Context, sessionID, text string) (string, error) {
	result, err := r.engine.Run(ctx, sessionID, text)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// engineSummarizer defers to the engine created after the consolidator.
type engineSummarizer struct {
	engine *agent.Engine
}

func (s *engineSummarizer) Summarize(ctx context.Context, prompt, transcript string) (string, error) {
	return s.engine.Summarize(ctx, prompt, transcript)
}
