package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawlite/clawlite/internal/skills"
)

// RunSkillTool executes a discovered skill by name.
type RunSkillTool struct {
	registry *skills.Registry
}

func NewRunSkillTool(r *skills.Registry) *RunSkillTool {
	return &RunSkillTool{registry: r}
}

func (t *RunSkillTool) Name() string { return "run_skill" }

func (t *RunSkillTool) Description() string {
	return "Run an installed skill by name with named string arguments."
}

func (t *RunSkillTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Skill name as listed in the skill catalog",
			},
			"args": map[string]interface{}{
				"type":        "object",
				"description": "Named arguments substituted into the skill command",
			},
		},
		"required": []string{"name"},
	}
}

func (t *RunSkillTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	descriptor, ok := t.registry.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("skill %q not found", name))
	}

	skillArgs := make(map[string]string)
	if raw, ok := args["args"].(map[string]interface{}); ok {
		for k, v := range raw {
			skillArgs[k] = fmt.Sprint(v)
		}
	}

	res, err := skills.Execute(ctx, descriptor, skillArgs, skills.DefaultExecTimeout)
	if err != nil {
		return ErrorResult(err.Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "exit=%d duration_ms=%d\n", res.ExitCode, res.DurationMS)
	if res.Stdout != "" {
		sb.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if res.Stdout != "" {
			sb.WriteString("\n")
		}
		sb.WriteString("STDERR:\n" + res.Stderr)
	}
	if res.ExitCode != 0 {
		return ErrorResult(sb.String())
	}
	return SilentResult(sb.String())
}
