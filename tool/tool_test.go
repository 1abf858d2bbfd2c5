package tool

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hupe1980/taskmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newToolContext() *core.ToolContext {
	return core.NewToolContext(context.Background(), "s1").ForCall(nil, "fc1", "test")
}

// -------------------- FunctionTool Tests --------------------

func TestFunctionTool_Success(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}

	sumTool := NewFunctionTool("sum", "Add numbers", params, func(_ *core.ToolContext, args map[string]any) (any, error) {
		a := args["a"].(float64)
		b := args["b"].(float64)
		return a + b, nil
	})

	result, err := sumTool.Call(newToolContext(), map[string]any{"a": 2.0, "b": 3.0})
	assert.NoError(t, err)
	assert.Equal(t, 5.0, result)
}

func TestFunctionTool_HandlerSeesArgumentsUnchecked(t *testing.T) {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
		},
		"required": []any{"a"},
	}
	var called bool
	tTool := NewFunctionTool("test", "Test", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		called = true
		return 0, nil
	})
	_, err := tTool.Call(newToolContext(), map[string]any{})
	require.NoError(t, err)
	assert.True(t, called, "schema checks belong to the dispatcher")
}

func TestFunctionTool_ExecutionError(t *testing.T) {
	params := map[string]any{"type": "object", "properties": map[string]any{}}
	execTool := NewFunctionTool("fail", "Fails", params, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	_, err := execTool.Call(newToolContext(), map[string]any{})
	assert.Error(t, err)
	toolErr, ok := err.(*ToolError)
	assert.True(t, ok)
	assert.Equal(t, CodeExecution, toolErr.Code)
}

func TestFunctionTool_ClassifiedErrorsPassThrough(t *testing.T) {
	transient := core.NewTransientError("fetch", errors.New("reset"))
	unavailable := &core.RemoteServerUnavailableError{Server: "files", Err: errors.New("gone")}
	custom := NewToolError("t", "missing", CodeNotFound)

	for _, want := range []error{transient, unavailable, custom, context.Canceled} {
		ft := NewFunctionTool("t", "", nil, func(_ *core.ToolContext, _ map[string]any) (any, error) {
			return nil, want
		})
		_, err := ft.Call(newToolContext(), map[string]any{})
		assert.Same(t, want, err)
	}

	wrapped := NewFunctionTool("t", "", nil, func(_ *core.ToolContext, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("fetch: %w", transient)
	})
	_, err := wrapped.Call(newToolContext(), map[string]any{})
	assert.True(t, core.IsTransient(err))
}

// -------------------- Built-in tools --------------------

func TestCompleteTaskTool(t *testing.T) {
	tc := newToolContext()
	out, err := NewCompleteTaskTool().Call(tc, map[string]any{"summary": "done"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"completed": true, "summary": "done"}, out)

	v, ok := tc.GetState(StateTaskCompleted)
	assert.True(t, ok)
	assert.Equal(t, true, v)
}

func TestSessionStateTool(t *testing.T) {
	st := NewSessionStateTool()
	tc := newToolContext()

	_, err := st.Call(tc, map[string]any{"operation": "set", "key": "color", "value": "blue"})
	require.NoError(t, err)

	out, err := st.Call(tc, map[string]any{"operation": "get", "key": "color"})
	require.NoError(t, err)
	assert.Equal(t, "blue", out.(map[string]any)["value"])

	out, err = st.Call(tc, map[string]any{"operation": "list"})
	require.NoError(t, err)
	assert.Equal(t, []string{"color"}, out.(map[string]any)["keys"])

	_, err = st.Call(tc, map[string]any{"operation": "get"})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, CodeValidation, toolErr.Code)
}

// -------------------- AgentTool --------------------

func TestAgentTool(t *testing.T) {
	var gotInput []core.Message
	runner := RunnerFunc(func(_ context.Context, input []core.Message, _ core.ContextMap) AgentResult {
		gotInput = input
		final := core.NewAssistantMessage(core.PhaseFinalAnswer, "42")
		return AgentResult{Messages: []core.Message{final}, Final: final}
	})

	at := NewAgentTool("researcher", "Delegates research", runner)
	assert.Equal(t, OriginAgent, at.Origin())

	out, err := at.Call(newToolContext(), map[string]any{"task": "find the answer"})
	require.NoError(t, err)
	require.Len(t, gotInput, 1)
	assert.Equal(t, "find the answer", gotInput[0].Content)

	m := out.(map[string]any)
	assert.Equal(t, "42", m["final"])
	assert.Len(t, m["messages"], 1)

	failing := NewAgentTool("broken", "", RunnerFunc(func(context.Context, []core.Message, core.ContextMap) AgentResult {
		return AgentResult{Final: core.NewErrorMessage(errors.New("nope"))}
	}))
	_, err = failing.Call(newToolContext(), map[string]any{"task": "x"})
	assert.Error(t, err)
}

// -------------------- ToolError Formatting --------------------

func TestToolErrorFormatting(t *testing.T) {
	err := NewToolError("demo", "something failed", "E123")
	assert.Contains(t, err.Error(), "E123")
	assert.Contains(t, err.Error(), "demo")
	assert.Nil(t, err.Unwrap())
}
