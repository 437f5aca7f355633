package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/clawlite/clawlite/internal/cron"
)

// CronStore is the slice of the scheduler store the cron tool needs.
type CronStore interface {
	Add(sessionID, expression, prompt, name string) (*cron.Job, error)
	List() ([]*cron.Job, error)
	Remove(id int64) error
	SetEnabled(id int64, enabled bool) error
}

// CronTool lets the agent schedule, inspect, pause, and remove its own
// jobs.
type CronTool struct {
	store CronStore
}

func NewCronTool(store CronStore) *CronTool {
	return &CronTool{store: store}
}

func (t *CronTool) Name() string { return "cron" }

func (t *CronTool) Description() string {
	return `Manage scheduled jobs. Expressions: "every N" (seconds), "at <RFC3339>" (one-shot), or 5-field cron.`
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: add, list, remove, enable, disable",
				"enum":        []string{"add", "list", "remove", "enable", "disable"},
			},
			"expression": map[string]interface{}{
				"type":        "string",
				"description": "Schedule expression (add only)",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Prompt delivered to the agent when the job fires (add only)",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Optional job label (add only)",
			},
			"job_id": map[string]interface{}{
				"type":        "number",
				"description": "Job id (remove/enable/disable)",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	action, _ := args["action"].(string)
	switch action {
	case "add":
		return t.add(ctx, args)
	case "list":
		return t.list()
	case "remove":
		return t.remove(args)
	case "enable":
		return t.setEnabled(args, true)
	case "disable":
		return t.setEnabled(args, false)
	default:
		return ErrorResult(fmt.Sprintf("unknown action %q, want add|list|remove|enable|disable", action))
	}
}

func (t *CronTool) add(ctx context.Context, args map[string]interface{}) *Result {
	expression, _ := args["expression"].(string)
	prompt, _ := args["prompt"].(string)
	name, _ := args["name"].(string)
	if expression == "" || prompt == "" {
		return ErrorResult("add requires expression and prompt")
	}
	job, err := t.store.Add(SessionFromCtx(ctx), expression, prompt, name)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return SilentResult(fmt.Sprintf("job %d scheduled, next fire %s",
		job.ID, job.NextFireAt.Format("2006-01-02 15:04:05 MST")))
}

func (t *CronTool) list() *Result {
	jobs, err := t.store.List()
	if err != nil {
		return ErrorResult(err.Error())
	}
	if len(jobs) == 0 {
		return SilentResult("no scheduled jobs")
	}
	var sb strings.Builder
	for _, j := range jobs {
		state := ""
		if !j.Enabled {
			state = "  [disabled]"
		}
		label := j.Prompt
		if j.Name != "" {
			label = j.Name + ": " + label
		}
		fmt.Fprintf(&sb, "#%d  %s  next=%s  %s%s\n",
			j.ID, j.Expression, j.NextFireAt.Format("2006-01-02 15:04:05 MST"), label, state)
	}
	return SilentResult(strings.TrimRight(sb.String(), "\n"))
}

func (t *CronTool) remove(args map[string]interface{}) *Result {
	id, ok := args["job_id"].(float64)
	if !ok {
		return ErrorResult("remove requires job_id")
	}
	if err := t.store.Remove(int64(id)); err != nil {
		return ErrorResult(err.Error())
	}
	return SilentResult(fmt.Sprintf("job %d removed", int64(id)))
}

func (t *CronTool) setEnabled(args map[string]interface{}, enabled bool) *Result {
	id, ok := args["job_id"].(float64)
	if !ok {
		return ErrorResult("enable/disable requires job_id")
	}
	if err := t.store.SetEnabled(int64(id), enabled); err != nil {
		return ErrorResult(err.Error())
	}
	verb := "enabled"
	if !enabled {
		verb = "disabled"
	}
	return SilentResult(fmt.Sprintf("job %d %s", int64(id), verb))
}
