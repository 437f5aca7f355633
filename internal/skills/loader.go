package skills

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Root is one discovery root. Later roots override earlier ones by name.
type Root struct {
	Name string // "builtin", "workspace", "marketplace"
	Path string
}

// DefaultRoots builds the standard three-root scan order.
func DefaultRoots(builtinDir, workspaceDir, stateDir string) []Root {
	return []Root{
		{Name: "builtin", Path: builtinDir},
		{Name: "workspace", Path: filepath.Join(workspaceDir, "skills")},
		{Name: "marketplace", Path: filepath.Join(stateDir, "marketplace", "skills")},
	}
}

// Registry holds the discovered skill descriptors.
type Registry struct {
	roots []Root
	mode  ParseMode

	mu     sync.RWMutex
	byName map[string]*Descriptor
}

// NewRegistry creates a registry over the given roots.
func NewRegistry(roots []Root, mode ParseMode) *Registry {
	return &Registry{roots: roots, mode: mode, byName: make(map[string]*Descriptor)}
}

// Load scans every root for SKILL.md files, parses them, applies
// requirement filtering, and replaces the registry content.
func (r *Registry) Load() error {
	found := make(map[string]*Descriptor)

	for _, root := range r.roots {
		if _, err := os.Stat(root.Path); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(root.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || d.Name() != "SKILL.md" {
				return nil
			}

			content, err := os.ReadFile(path)
			if err != nil {
				slog.Warn("skills.read_failed", "path", path, "error", err)
				return nil
			}

			desc, unknown, err := Parse(string(content), r.mode)
			if err != nil {
				slog.Warn("skills.parse_failed", "path", path, "error", err)
				return nil
			}
			for _, key := range unknown {
				slog.Warn("skills.unknown_key", "skill", desc.Name, "key", key)
			}

			desc.SourceRoot = root.Name
			desc.Dir = filepath.Dir(path)
			desc.Missing = desc.CheckRequirements(exec.LookPath, os.Getenv)
			desc.Available = desc.Missing == ""

			// Later roots override earlier ones.
			found[desc.Name] = desc
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan skills root %s: %w", root.Name, err)
		}
	}

	r.mu.Lock()
	r.byName = found
	r.mu.Unlock()
	slog.Info("skills.loaded", "count", len(found))
	return nil
}

// Get returns a descriptor by name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// List returns available skills sorted by name; includeUnavailable adds
// the filtered ones with their missing-piece report.
func (r *Registry) List(includeUnavailable bool) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		if d.Available || includeUnavailable {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CatalogSummary renders the skill sheet for the system prompt: one line
// per available skill, with the full body inlined for always-skills.
func (r *Registry) CatalogSummary() string {
	var lines []string
	var alwaysBlocks []string

	for _, d := range r.List(false) {
		lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, d.Description))
		if d.Always && d.Body != "" {
			alwaysBlocks = append(alwaysBlocks, fmt.Sprintf("## %s\n%s", d.Name, d.Body))
		}
	}

	if len(lines) == 0 {
		return ""
	}
	summary := strings.Join(lines, "\n")
	if len(alwaysBlocks) > 0 {
		summary += "\n\n" + strings.Join(alwaysBlocks, "\n\n")
	}
	return summary
}
