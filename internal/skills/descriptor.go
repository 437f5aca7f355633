// Package skills discovers SKILL.md descriptors and executes the
// command/script skills they declare. A skill is data to the runtime:
// pure context injection, an argv command, or a script path. Never code
// that the binary links against.
package skills

import (
	"fmt"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Requirements gate a skill on the host environment.
type Requirements struct {
	Bins []string `yaml:"bins,omitempty" json:"bins,omitempty"`
	Env  []string `yaml:"env,omitempty" json:"env,omitempty"`
	OS   []string `yaml:"os,omitempty" json:"os,omitempty"`
}

// Descriptor is one parsed SKILL.md.
type Descriptor struct {
	Name        string       `yaml:"name" json:"name"`
	Description string       `yaml:"description" json:"description"`
	Always      bool         `yaml:"always,omitempty" json:"always,omitempty"`
	Requires    Requirements `yaml:"requires,omitempty" json:"requires,omitempty"`
	Command     string       `yaml:"command,omitempty" json:"command,omitempty"`
	Script      string       `yaml:"script,omitempty" json:"script,omitempty"`

	// Filled by the loader, not part of the frontmatter.
	Body       string `yaml:"-" json:"body,omitempty"`
	SourceRoot string `yaml:"-" json:"source_root,omitempty"`
	Dir        string `yaml:"-" json:"-"`
	Available  bool   `yaml:"-" json:"available"`
	Missing    string `yaml:"-" json:"missing,omitempty"`
}

// ParseMode controls how unknown frontmatter keys are handled.
type ParseMode int

const (
	// Strict rejects unknown frontmatter keys.
	Strict ParseMode = iota
	// Lenient warns and carries on.
	Lenient
)

var knownKeys = map[string]bool{
	"name": true, "description": true, "always": true,
	"requires": true, "command": true, "script": true,
}

// Parse splits a SKILL.md into frontmatter and body and decodes the
// frontmatter. Returns the unknown keys encountered (empty in strict mode,
// which fails instead).
func Parse(content string, mode ParseMode) (*Descriptor, []string, error) {
	front, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, nil, err
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(front), &raw); err != nil {
		return nil, nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	var unknown []string
	for key := range raw {
		if !knownKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 && mode == Strict {
		return nil, nil, fmt.Errorf("unknown frontmatter keys: %s", strings.Join(unknown, ", "))
	}

	var d Descriptor
	if err := yaml.Unmarshal([]byte(front), &d); err != nil {
		return nil, nil, fmt.Errorf("decode frontmatter: %w", err)
	}
	if d.Name == "" {
		return nil, nil, fmt.Errorf("skill descriptor missing name")
	}
	if d.Command != "" && d.Script != "" {
		return nil, nil, fmt.Errorf("skill %q declares both command and script", d.Name)
	}

	d.Body = strings.TrimSpace(body)
	return &d, unknown, nil
}

// Serialize renders the descriptor back to SKILL.md form. Parse→Serialize→
// Parse is stable.
func (d *Descriptor) Serialize() (string, error) {
	front := struct {
		Name        string        `yaml:"name"`
		Description string        `yaml:"description"`
		Always      bool          `yaml:"always,omitempty"`
		Requires    *Requirements `yaml:"requires,omitempty"`
		Command     string        `yaml:"command,omitempty"`
		Script      string        `yaml:"script,omitempty"`
	}{
		Name:        d.Name,
		Description: d.Description,
		Always:      d.Always,
		Command:     d.Command,
		Script:      d.Script,
	}
	if len(d.Requires.Bins) > 0 || len(d.Requires.Env) > 0 || len(d.Requires.OS) > 0 {
		front.Requires = &d.Requires
	}

	out, err := yaml.Marshal(front)
	if err != nil {
		return "", err
	}
	return "---\n" + string(out) + "---\n\n" + d.Body + "\n", nil
}

// CheckRequirements evaluates requires against the host and returns the
// first missing piece ("" when everything resolves).
func (d *Descriptor) CheckRequirements(lookPath func(string) (string, error), getenv func(string) string) string {
	if len(d.Requires.OS) > 0 {
		ok := false
		for _, os := range d.Requires.OS {
			if strings.EqualFold(os, runtime.GOOS) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Sprintf("os %s not in %v", runtime.GOOS, d.Requires.OS)
		}
	}
	for _, bin := range d.Requires.Bins {
		if _, err := lookPath(bin); err != nil {
			return fmt.Sprintf("binary %q not on PATH", bin)
		}
	}
	for _, env := range d.Requires.Env {
		if getenv(env) == "" {
			return fmt.Sprintf("env %s not set", env)
		}
	}
	return ""
}

// IsExecutable reports whether the skill carries a command or script.
func (d *Descriptor) IsExecutable() bool {
	return d.Command != "" || d.Script != ""
}

func splitFrontmatter(content string) (front, body string, err error) {
	if !strings.HasPrefix(content, "---") {
		return "", "", fmt.Errorf("missing frontmatter delimiter")
	}
	rest := strings.TrimPrefix(content, "---")
	rest = strings.TrimPrefix(rest, "\n")
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter")
	}
	front = rest[:idx+1]
	body = rest[idx+4:]
	body = strings.TrimPrefix(body, "\n")
	return front, body, nil
}
