package tool

import (
	"context"
	"errors"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
)

// HandlerFunc implements a local tool. Arguments have already been parsed
// and checked against the tool's schema by the Dispatcher.
type HandlerFunc func(tc *core.ToolContext, args map[string]any) (any, error)

// FunctionTool exposes a Go function as a local tool. It holds no mutable
// state and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          HandlerFunc
}

// NewFunctionTool wraps fn with an explicit parameter schema.
//
//	sum := tool.NewFunctionTool("sum", "Add two numbers",
//		map[string]any{
//			"type": "object",
//			"properties": map[string]any{
//				"a": map[string]any{"type": "number"},
//				"b": map[string]any{"type": "number"},
//			},
//			"required": []string{"a", "b"},
//		},
//		func(_ *core.ToolContext, args map[string]any) (any, error) {
//			return args["a"].(float64) + args["b"].(float64), nil
//		},
//	)
func NewFunctionTool(name, description string, parameters map[string]any, fn HandlerFunc) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from the json and
// description tags of structType.
func NewFunctionToolFromStruct(name, description string, structType any, fn HandlerFunc) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name implements Tool.
func (t *FunctionTool) Name() string { return t.name }

// Description implements Tool.
func (t *FunctionTool) Description() string { return t.description }

// Parameters implements Tool.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call runs the handler. Errors that already belong to the dispatcher's
// taxonomy (ToolError, argument, transient, unavailable and context errors)
// are returned unchanged so retry and error codes see them; anything else
// becomes an EXECUTION_ERROR ToolError that unwraps to the cause.
func (t *FunctionTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	out, err := t.fn(tc, args)
	if err == nil {
		return out, nil
	}
	if classified(err) {
		return nil, err
	}
	return nil, &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution, Details: err}
}

func classified(err error) bool {
	var (
		toolErr *ToolError
		argErr  *core.ToolArgumentError
		rsErr   *core.RemoteServerUnavailableError
	)
	return errors.As(err, &toolErr) ||
		errors.As(err, &argErr) ||
		errors.As(err, &rsErr) ||
		errors.Is(err, context.Canceled) ||
		core.IsTransient(err)
}
