package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawlite/clawlite/internal/mcp"
)

// MCPBridge is the slice of the MCP manager the tool calls.
type MCPBridge interface {
	Call(ctx context.Context, server, tool string, args map[string]interface{}) (string, error)
	Tools() []mcp.ToolInfo
}

// MCPTool routes calls to tools exposed by connected MCP servers.
type MCPTool struct {
	bridge MCPBridge
}

func NewMCPTool(bridge MCPBridge) *MCPTool {
	return &MCPTool{bridge: bridge}
}

func (t *MCPTool) Name() string { return "mcp_call" }

func (t *MCPTool) Description() string {
	return `Call a tool on a connected MCP server. Use action "list" to see the available servers and tools.`
}

func (t *MCPTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: call, list (default call)",
				"enum":        []string{"call", "list"},
			},
			"server": map[string]interface{}{
				"type":        "string",
				"description": "MCP server name from the configuration",
			},
			"tool": map[string]interface{}{
				"type":        "string",
				"description": "Tool name as advertised by the server",
			},
			"arguments": map[string]interface{}{
				"type":        "object",
				"description": "Arguments forwarded to the tool",
			},
		},
	}
}

func (t *MCPTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if action, _ := args["action"].(string); action == "list" {
		return t.list()
	}

	server, _ := args["server"].(string)
	tool, _ := args["tool"].(string)
	if server == "" || tool == "" {
		return ErrorResult("call requires server and tool")
	}
	callArgs, _ := args["arguments"].(map[string]interface{})

	out, err := t.bridge.Call(ctx, server, tool, callArgs)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if out == "" {
		out = "(no text content)"
	}
	return NewResult(out)
}

func (t *MCPTool) list() *Result {
	infos := t.bridge.Tools()
	if len(infos) == 0 {
		return SilentResult("no MCP servers connected")
	}
	var sb strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&sb, "%s/%s: %s\n", info.Server, info.Name, info.Description)
	}
	return SilentResult(strings.TrimRight(sb.String(), "\n"))
}
