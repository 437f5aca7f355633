// Package bootstrap materializes the workspace identity files on first
// run. Seeded files are user-owned afterwards: they are never overwritten.
package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Workspace file names, seeded in this order.
const (
	IdentityFile  = "IDENTITY.md"
	SoulFile      = "SOUL.md"
	UserFile      = "USER.md"
	AgentsFile    = "AGENTS.md"
	ToolsFile     = "TOOLS.md"
	HeartbeatFile = "HEARTBEAT.md"
)

var templateFiles = []string{
	IdentityFile,
	SoulFile,
	UserFile,
	AgentsFile,
	ToolsFile,
	HeartbeatFile,
}

// EnsureWorkspaceFiles seeds template files into the workspace directory,
// creating only what does not already exist. Returns the created files.
func EnsureWorkspaceFiles(workspaceDir string) ([]string, error) {
	if err := os.MkdirAll(filepath.Join(workspaceDir, "skills"), 0o755); err != nil {
		return nil, err
	}

	var created []string
	for _, name := range templateFiles {
		path := filepath.Join(workspaceDir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		content, err := templateFS.ReadFile(filepath.Join("templates", name))
		if err != nil {
			slog.Warn("bootstrap.template_missing", "file", name, "error", err)
			continue
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return created, err
		}
		created = append(created, name)
	}

	if len(created) > 0 {
		slog.Info("bootstrap.workspace_seeded", "dir", workspaceDir, "files", len(created))
	}
	return created, nil
}

// ReadWorkspaceFile returns the content of a workspace file, or "" when
// absent. Missing identity pieces are silently skipped in the prompt.
func ReadWorkspaceFile(workspaceDir, name string) string {
	data, err := os.ReadFile(filepath.Join(workspaceDir, name))
	if err != nil {
		return ""
	}
	return string(data)
}
