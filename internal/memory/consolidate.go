package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clawlite/clawlite/internal/sessions"
)

const (
	// DefaultIdleTimeout ends a session for consolidation purposes.
	DefaultIdleTimeout = 30 * time.Minute

	// consolidateDebounce suppresses duplicate summaries when several end
	// triggers fire close together (/stop plus idle sweep, for example).
	consolidateDebounce = 60 * time.Second

	summaryPrompt = "Summarize the key facts, decisions and open items from this conversation " +
		"in at most five short sentences. Write only the summary."
)

// Summarizer produces a summary text for a transcript. The agent engine
// satisfies this with a dedicated summarization run.
type Summarizer interface {
	Summarize(ctx context.Context, prompt, transcript string) (string, error)
}

// Consolidator turns finished sessions into memory entries.
type Consolidator struct {
	index      *Index
	store      *sessions.Store
	summarizer Summarizer

	mu   sync.Mutex
	last map[string]time.Time // session id → last consolidation
}

// NewConsolidator wires the consolidation path.
func NewConsolidator(index *Index, store *sessions.Store, summarizer Summarizer) *Consolidator {
	return &Consolidator{
		index:      index,
		store:      store,
		summarizer: summarizer,
		last:       make(map[string]time.Time),
	}
}

// SessionEnded consolidates one session. Idempotent within the debounce
// window: duplicate triggers do not emit duplicate summaries.
func (c *Consolidator) SessionEnded(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if t, ok := c.last[sessionID]; ok && time.Since(t) < consolidateDebounce {
		c.mu.Unlock()
		return nil
	}
	c.last[sessionID] = time.Now()
	c.mu.Unlock()

	msgs := c.store.All(sessionID)
	if len(msgs) == 0 {
		return nil
	}

	transcript := renderTranscript(msgs)
	summary, err := c.summarizer.Summarize(ctx, summaryPrompt, transcript)
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", sessionID, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil
	}

	if _, err := c.index.Add(summary, "session:"+sessionID); err != nil {
		return fmt.Errorf("store session summary: %w", err)
	}
	slog.Info("memory.consolidated", "session", sessionID, "chars", len(summary))
	return nil
}

// SweepIdle consolidates every session idle for longer than timeout.
// Zero timeout selects the default.
func (c *Consolidator) SweepIdle(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	for _, id := range c.store.IdleSince(time.Now().UTC().Add(-timeout)) {
		if c.index.HasSourceTag("session:" + id) {
			continue
		}
		if err := c.SessionEnded(ctx, id); err != nil {
			slog.Warn("memory.consolidate.failed", "session", id, "error", err)
		}
	}
}

func renderTranscript(msgs []sessions.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case "tool":
			fmt.Fprintf(&b, "tool(%s): %s\n", m.ToolName, truncate(m.ToolResult, 300))
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Text, 1000))
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
