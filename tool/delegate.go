package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// DelegatePrefix prefixes the synthetic tool name of every delegate.
const DelegatePrefix = "delegate_to_"

// Delegate is a child agent that can take over a sub-task. Engines implement
// it, so one engine can be attached to another as a sub-agent.
type Delegate interface {
	Name() string
	Description() string
	// Delegate runs the child's own loop on task and returns its final content.
	Delegate(ctx context.Context, task string) (string, error)
}

type delegateTool struct {
	child Delegate
}

// NewDelegateTool exposes child as the tool delegate_to_<name>.
func NewDelegateTool(child Delegate) Tool {
	return &delegateTool{child: child}
}

func (t *delegateTool) Name() string { return DelegatePrefix + t.child.Name() }

func (t *delegateTool) Description() string {
	desc := t.child.Description()
	if desc == "" {
		desc = "a specialized sub-agent"
	}
	return fmt.Sprintf("Delegate a task to %s (%s). Returns the sub-agent's final answer.", t.child.Name(), desc)
}

func (t *delegateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task": map[string]any{
				"type":        "string",
				"description": "The task the sub-agent should complete",
			},
			"context": map[string]any{
				"type":        "object",
				"description": "Optional structured context passed along with the task",
			},
		},
		"required": []string{"task"},
	}
}

func (t *delegateTool) Call(ctx context.Context, args map[string]any) (any, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return nil, NewToolError(t.Name(), "field 'task' must be a non-empty string", CodeValidation)
	}
	if extra, ok := args["context"].(map[string]any); ok && len(extra) > 0 {
		b, err := json.Marshal(extra)
		if err != nil {
			return nil, NewToolError(t.Name(), fmt.Sprintf("encode context: %v", err), CodeValidation)
		}
		task = fmt.Sprintf("%s\n\nContext:\n%s", task, b)
	}
	return t.child.Delegate(ctx, task)
}
