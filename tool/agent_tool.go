package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// AgentResult is the outcome of a nested agent run.
type AgentResult struct {
	Messages []core.Message
	Final    core.Message
	Err      error
}

// Runner is implemented by anything that can run a nested agent pipeline
// to completion.
type Runner interface {
	RunAgent(ctx context.Context, input []core.Message, values core.ContextMap) AgentResult
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, input []core.Message, values core.ContextMap) AgentResult

// RunAgent implements Runner.
func (f RunnerFunc) RunAgent(ctx context.Context, input []core.Message, values core.ContextMap) AgentResult {
	return f(ctx, input, values)
}

// AgentToolOptions configures an AgentTool.
type AgentToolOptions struct {
	// Timeout bounds one delegation. Zero (the default) leaves it bounded by
	// the calling session and the nested pipeline's own phase timeouts.
	Timeout time.Duration
}

// AgentTool delegates a task to a nested agent and folds its final message
// into the tool result. A delegation is a whole session, so it is never
// retried by the dispatcher.
type AgentTool struct {
	name        string
	description string
	runner      Runner
	opts        AgentToolOptions
}

// NewAgentTool wraps runner as a tool.
func NewAgentTool(name, description string, runner Runner, optFns ...func(o *AgentToolOptions)) *AgentTool {
	opts := AgentToolOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AgentTool{name: name, description: description, runner: runner, opts: opts}
}

// CallPolicy is applied by Registry.Register.
func (t *AgentTool) CallPolicy() CallPolicy {
	return CallPolicy{Timeout: t.opts.Timeout, Retry: NoRetry()}
}

// Name returns the tool name.
func (t *AgentTool) Name() string { return t.name }

// Description returns the tool description.
func (t *AgentTool) Description() string { return t.description }

// Origin marks the tool as an agent delegate.
func (t *AgentTool) Origin() Origin { return OriginAgent }

// Parameters returns the JSON schema of the delegate call.
func (t *AgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":    map[string]any{"type": "string", "description": "Task for the delegate agent"},
			"context": map[string]any{"type": "string", "description": "Additional background for the task"},
		},
		"required": []string{"task"},
	}
}

// Call runs the nested agent with the task as its single user message.
func (t *AgentTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	task, _ := args["task"].(string)
	if task == "" {
		return nil, NewToolError(t.name, "task must not be empty", CodeValidation)
	}
	if extra, _ := args["context"].(string); extra != "" {
		task = fmt.Sprintf("%s\n\nContext:\n%s", task, extra)
	}

	values := tc.Values().Clone()
	values.SessionID = ""
	values.WorkspacePath = ""

	res := t.runner.RunAgent(tc.Context(), []core.Message{core.NewUserMessage(task)}, values)
	if res.Err != nil {
		return nil, &ToolError{Tool: t.name, Message: res.Err.Error(), Code: CodeExecution, Details: res.Err}
	}
	if res.Final.PhaseType == core.PhaseError {
		return nil, NewToolError(t.name, res.Final.Content, CodeExecution)
	}

	msgs := make([]map[string]any, 0, len(res.Messages))
	for _, m := range res.Messages {
		msgs = append(msgs, map[string]any{
			"role":       string(m.Role),
			"phase_type": string(m.PhaseType),
			"content":    m.Content,
		})
	}

	return map[string]any{
		"messages": msgs,
		"final":    res.Final.Content,
	}, nil
}
