package tool

import (
	"fmt"
	"sort"

	"github.com/hupe1980/taskmesh/core"
)

// CompleteTaskName is the name of the built-in completion tool.
const CompleteTaskName = "complete_task"

// StateTaskCompleted is the session state key set by complete_task.
const StateTaskCompleted = "task_completed"

type completeTaskTool struct{}

// NewCompleteTaskTool returns the built-in tool an executor calls to signal
// that the current task is finished.
func NewCompleteTaskTool() Tool { return completeTaskTool{} }

func (completeTaskTool) Name() string { return CompleteTaskName }

func (completeTaskTool) Description() string {
	return "Call this when the task is fully completed. Provide a short summary of the outcome."
}

func (completeTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{"type": "string", "description": "Short summary of what was achieved"},
		},
	}
}

func (completeTaskTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	summary, _ := args["summary"].(string)
	tc.SetState(StateTaskCompleted, true)
	return map[string]any{"completed": true, "summary": summary}, nil
}

// SessionStateTool lets a model read and write session-scoped values that
// persist across tool calls within one session.
type SessionStateTool struct{}

// NewSessionStateTool creates the session state tool.
func NewSessionStateTool() *SessionStateTool { return &SessionStateTool{} }

// Name returns the tool identifier.
func (t *SessionStateTool) Name() string { return "session_state" }

// Description returns the tool description.
func (t *SessionStateTool) Description() string {
	return "Reads and writes values shared by all tool calls of the current session. " +
		"Supports operations: get, set, delete, list."
}

// Parameters returns the JSON schema for tool parameters.
func (t *SessionStateTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{
				"type":        "string",
				"description": "Operation to perform",
				"enum":        []any{"get", "set", "delete", "list"},
			},
			"key":   map[string]any{"type": "string", "description": "State key"},
			"value": map[string]any{"description": "Value for set"},
		},
		"required": []string{"operation"},
	}
}

// Call performs the requested state operation.
func (t *SessionStateTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	op, _ := args["operation"].(string)
	key, _ := args["key"].(string)

	if op != "list" && key == "" {
		return nil, NewToolError(t.Name(), fmt.Sprintf("operation %q requires a key", op), CodeValidation)
	}

	switch op {
	case "get":
		v, ok := tc.GetState(key)
		return map[string]any{"key": key, "value": v, "found": ok}, nil
	case "set":
		tc.SetState(key, args["value"])
		return map[string]any{"key": key, "stored": true}, nil
	case "delete":
		tc.State().Delete(key)
		return map[string]any{"key": key, "deleted": true}, nil
	case "list":
		snap := tc.State().Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return map[string]any{"keys": keys}, nil
	default:
		return nil, NewToolError(t.Name(), fmt.Sprintf("unknown operation %q", op), CodeValidation)
	}
}
