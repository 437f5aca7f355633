package tools

import (
	"context"
	"fmt"
)

// Spawner starts a detached child agent run. Implemented by the agent
// engine; the tool layer only knows the contract.
type Spawner interface {
	Spawn(ctx context.Context, parentSessionID, objective string) (childSessionID string, err error)
}

// SpawnTool hands long-running objectives to a background subagent.
type SpawnTool struct {
	spawner Spawner
}

func NewSpawnTool(s Spawner) *SpawnTool {
	return &SpawnTool{spawner: s}
}

func (t *SpawnTool) Name() string { return "spawn_subagent" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on an objective. The result is delivered to this conversation when it finishes."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"objective": map[string]interface{}{
				"type":        "string",
				"description": "What the subagent should accomplish",
			},
		},
		"required": []string{"objective"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	objective, _ := args["objective"].(string)
	if objective == "" {
		return ErrorResult("objective is required")
	}
	child, err := t.spawner.Spawn(ctx, SessionFromCtx(ctx), objective)
	if err != nil {
		return ErrorResult(err.Error())
	}
	return AsyncResult(fmt.Sprintf("subagent %s started; its result will arrive in this conversation", child))
}
