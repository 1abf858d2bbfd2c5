package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/tool"
)

// PlanningReply renders a tagged planning response.
func PlanningReply(description string, tools []string, expected string) string {
	b, _ := json.Marshal(tools)
	return fmt.Sprintf(
		"<next_step_description>\n%s\n</next_step_description>\n<required_tools>\n%s\n</required_tools>\n"+
			"<expected_output>\n%s\n</expected_output>\n<success_criteria>\nthe result is present\n</success_criteria>",
		description, b, expected,
	)
}

// ObservationReply renders a tagged observation response.
func ObservationReply(completed, needsInput bool, percent int, analysis, userQuery string) string {
	return fmt.Sprintf(
		"<needs_more_input>\n%t\n</needs_more_input>\n<finish_percent>\n%d\n</finish_percent>\n"+
			"<is_completed>\n%t\n</is_completed>\n<analysis>\n%s\n</analysis>\n"+
			"<suggestions>\n[]\n</suggestions>\n<user_query>\n%s\n</user_query>",
		needsInput, percent, completed, analysis, userQuery,
	)
}

// DecomposeReply renders one <task_item> block per item.
func DecomposeReply(items ...string) string {
	var sb strings.Builder
	for _, it := range items {
		fmt.Fprintf(&sb, "<task_item>\n%s\n</task_item>\n", it)
	}
	return sb.String()
}

// Chunked splits text into streamed deltas of at most n bytes.
func Chunked(text string, n int) []string {
	if n <= 0 {
		n = 1
	}
	var out []string
	for len(text) > n {
		out = append(out, text[:n])
		text = text[n:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// ToolCallTurn is a model turn requesting the given calls. Call ids are
// derived from the tool names.
func ToolCallTurn(calls ...core.ToolCall) model.Turn {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call-%d-%s", i+1, calls[i].Name)
		}
		if calls[i].Arguments == "" {
			calls[i].Arguments = "{}"
		}
	}
	return model.Turn{ToolCalls: calls, Usage: &core.TokenUsage{InputTokens: 10, OutputTokens: 5}}
}

// TextTurn is a streamed text turn with fixed usage.
func TextTurn(text string) model.Turn {
	return model.Turn{
		Chunks: Chunked(text, 7),
		Usage:  &core.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

// EchoTool returns a local tool that echoes its "text" argument and counts
// its invocations.
func EchoTool(calls *atomic.Int32) tool.Tool {
	return tool.NewFunctionTool(
		"echo",
		"Echo the given text",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "Text to echo"},
			},
			"required": []string{"text"},
		},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			if calls != nil {
				calls.Add(1)
			}
			return args["text"], nil
		},
	)
}

// FailingTool returns a local tool whose handler always fails with err.
func FailingTool(name string, err error) tool.Tool {
	return tool.NewFunctionTool(
		name,
		"A tool that always fails",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(*core.ToolContext, map[string]any) (any, error) {
			return nil, err
		},
	)
}

// Registry builds a registry holding tools and the built-in complete_task.
func Registry(tools ...tool.Tool) *tool.Registry {
	reg := tool.NewRegistry()
	reg.MustRegister(tool.NewCompleteTaskTool())
	for _, t := range tools {
		reg.MustRegister(t)
	}
	return reg
}
