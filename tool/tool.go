// Package tool implements the tool calling subsystem: a registry of tool
// descriptors from three origins (local functions, remote protocol servers and
// nested agents) and a dispatcher that validates arguments and executes calls
// under a timeout, retry and parallelism policy.
package tool

import (
	"fmt"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/internal/util"
)

// Tool defines the interface for extending agents with callable capabilities.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe, since the dispatcher runs calls concurrently
type Tool interface {
	// Name returns the unique identifier for this tool.
	// Names should be descriptive and follow function naming conventions (snake_case recommended).
	Name() string

	// Description returns a human-readable description of what this tool does.
	// This description is provided to the model to help it understand when and how to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	// This schema is used for parameter validation and model function calling.
	Parameters() map[string]any

	// Call executes the tool with validated arguments. The ToolContext carries
	// the call's context (deadline included), correlation ids and session state.
	Call(toolCtx *core.ToolContext, args map[string]any) (any, error)
}

// Origin identifies where a tool is executed.
type Origin string

const (
	// OriginLocal tools run in-process.
	OriginLocal Origin = "local"
	// OriginRemote tools are served by a remote tool server.
	OriginRemote Origin = "remote"
	// OriginAgent tools delegate to a nested agent pipeline.
	OriginAgent Origin = "agent"
)

// originator is implemented by tools whose origin is not local.
type originator interface {
	Origin() Origin
}

// serverTagged is implemented by remote tools to name their server.
type serverTagged interface {
	Server() string
}

type policied interface {
	CallPolicy() CallPolicy
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeExecution   = "EXECUTION_ERROR"
	CodeTimeout     = "TIMEOUT"
	CodeTransient   = "TRANSIENT"
	CodeUnavailable = "UNAVAILABLE"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Unwrap exposes Details when it is an error, so taxonomy checks see through.
func (e *ToolError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
