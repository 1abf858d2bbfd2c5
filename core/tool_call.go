package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCall is a model's request to invoke a tool. Arguments is the raw JSON
// object as produced by the model and may be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResultError describes a failed tool call in a shape the model can
// reason about.
type ToolResultError struct {
	Type    string `json:"error_type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Error implements the error interface.
func (e *ToolResultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ToolResult is the outcome of exactly one ToolCall, correlated by CallID.
// Exactly one of Content or Err is meaningful.
type ToolResult struct {
	CallID   string           `json:"call_id"`
	ToolName string           `json:"tool_name"`
	Content  any              `json:"content,omitempty"`
	Err      *ToolResultError `json:"error,omitempty"`
	Duration time.Duration    `json:"duration"`
	Attempts int              `json:"attempts"`
}

// Success reports whether the call produced a result.
func (r ToolResult) Success() bool { return r.Err == nil }

// Render produces the JSON envelope fed back to the model as the content of
// the tool message.
func (r ToolResult) Render() string {
	var payload any
	if r.Err != nil {
		payload = map[string]any{
			"error":      true,
			"error_type": r.Err.Type,
			"message":    r.Err.Message,
			"tool_name":  r.ToolName,
		}
	} else {
		payload = map[string]any{"content": r.Content}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"content": fmt.Sprintf("%v", r.Content)})
	}
	return string(b)
}

// Message converts the result into a tool message answering the call.
func (r ToolResult) Message() Message {
	m := NewMessage(RoleTool, PhaseToolCallResult, r.Render())
	m.ToolCallID = r.CallID
	m.EndedAt = m.StartedAt.Add(r.Duration)
	return m
}

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
