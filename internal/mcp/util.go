package mcp

import (
	"sort"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// envSlice renders an env map as KEY=VALUE pairs in stable order.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// flattenContent joins the text blocks of a tool result. Non-text
// content (images, resources) is skipped.
func flattenContent(contents []mcpgo.Content) string {
	var sb strings.Builder
	for _, c := range contents {
		tc, ok := mcpgo.AsTextContent(c)
		if !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(tc.Text)
	}
	return strings.TrimSpace(sb.String())
}

func sortToolInfos(infos []ToolInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Server != infos[j].Server {
			return infos[i].Server < infos[j].Server
		}
		return infos[i].Name < infos[j].Name
	})
}

func isMethodNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "method not found")
}
