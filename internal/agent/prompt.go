package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clawlite/clawlite/internal/bootstrap"
	"github.com/clawlite/clawlite/internal/providers"
	"github.com/clawlite/clawlite/internal/sessions"
)

// historyTokenBudget caps replayed history per prompt. Tokens are
// estimated at four characters each.
const historyTokenBudget = 4000

// systemPrompt assembles the layered system prompt: identity files in
// fixed order, then the tool sheet, then the skill catalog, then
// memory snippets relevant to the incoming text.
func (e *Engine) systemPrompt(userText string) string {
	var sb strings.Builder

	for _, name := range []string{
		bootstrap.IdentityFile,
		bootstrap.SoulFile,
		bootstrap.UserFile,
		bootstrap.AgentsFile,
	} {
		content := strings.TrimSpace(bootstrap.ReadWorkspaceFile(e.workspace, name))
		if content == "" {
			continue
		}
		sb.WriteString(content)
		sb.WriteString("\n\n")
	}

	if notes := strings.TrimSpace(bootstrap.ReadWorkspaceFile(e.workspace, bootstrap.ToolsFile)); notes != "" {
		sb.WriteString("## Tool Notes\n\n")
		sb.WriteString(notes)
		sb.WriteString("\n\n")
	}
	sb.WriteString("## Available Tools\n\n")
	for _, def := range e.registry.Definitions() {
		fn := def.Function
		fmt.Fprintf(&sb, "- %s: %s", fn.Name, fn.Description)
		if args := schemaSummary(fn.Parameters); args != "" {
			fmt.Fprintf(&sb, " (args: %s)", args)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	if e.skills != nil {
		if catalog := strings.TrimSpace(e.skills.CatalogSummary()); catalog != "" {
			sb.WriteString("## Skills\n\n")
			sb.WriteString(catalog)
			sb.WriteString("\n\n")
		}
	}

	if e.memory != nil {
		if snippets := e.memory.TopK(userText, e.memoryTopK); len(snippets) > 0 {
			sb.WriteString("## Relevant Memory\n\n")
			for _, entry := range snippets {
				fmt.Fprintf(&sb, "- %s\n", entry.Text)
			}
			sb.WriteString("\n")
		}
	}

	return strings.TrimSpace(sb.String())
}

// schemaSummary flattens a tool parameter schema into "name:type"
// pairs, required arguments marked with a trailing *.
func schemaSummary(schema map[string]interface{}) string {
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	if req, ok := schema["required"].([]string); ok {
		for _, name := range req {
			required[name] = true
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		prop, _ := props[name].(map[string]interface{})
		typ, _ := prop["type"].(string)
		p := name + ":" + typ
		if required[name] {
			p += "*"
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ", ")
}

// buildMessages converts the session's recent history plus the incoming
// text into provider messages behind the system prompt.
func (e *Engine) buildMessages(sessionID, userText string) []providers.Message {
	msgs := []providers.Message{{Role: "system", Content: e.systemPrompt(userText)}}
	msgs = append(msgs, e.historyWindow(sessionID)...)
	msgs = append(msgs, providers.Message{Role: "user", Content: userText})
	return msgs
}

// historyWindow returns the newest history that fits two caps at once:
// at most historyLimit records, and within the estimated token budget.
// Records are counted newest-first and replayed oldest-first.
func (e *Engine) historyWindow(sessionID string) []providers.Message {
	recent := e.sessions.LastN(sessionID, e.historyLimit)

	budget := historyTokenBudget
	start := len(recent)
	for start > 0 {
		cost := estimateTokens(historyMessage(recent[start-1]).Content)
		if cost > budget {
			break
		}
		budget -= cost
		start--
	}

	out := make([]providers.Message, 0, len(recent)-start)
	for _, m := range recent[start:] {
		out = append(out, historyMessage(m))
	}
	return out
}

func estimateTokens(s string) int { return len(s)/4 + 1 }

// historyMessage flattens a stored record into provider form. Tool
// records replay as plain text so any provider can consume them.
func historyMessage(m sessions.Message) providers.Message {
	switch m.Role {
	case "tool":
		text := m.ToolResult
		if m.ToolName != "" {
			text = fmt.Sprintf("[%s] %s", m.ToolName, text)
		}
		return providers.Message{Role: "user", Content: "Tool result: " + text}
	default:
		return providers.Message{Role: m.Role, Content: m.Text}
	}
}
