package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/tool"
)

// RemoteTool exposes one catalogue entry of a remote server as a tool.Tool.
type RemoteTool struct {
	client *Client
	info   ToolInfo
}

// NewRemoteTool adapts info served by client.
func NewRemoteTool(client *Client, info ToolInfo) *RemoteTool {
	return &RemoteTool{client: client, info: info}
}

func (t *RemoteTool) Name() string { return t.info.Name }

func (t *RemoteTool) Description() string { return t.info.Description }

func (t *RemoteTool) Parameters() map[string]any {
	if t.info.InputSchema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.info.InputSchema
}

// Origin reports tool.OriginRemote.
func (t *RemoteTool) Origin() tool.Origin { return tool.OriginRemote }

// Server returns the name of the serving remote server.
func (t *RemoteTool) Server() string { return t.client.Name() }

// Call forwards the call to the server.
func (t *RemoteTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	if t.client.State() == StateDisconnected {
		return nil, &core.RemoteServerUnavailableError{Server: t.client.Name(), Err: errNotConnected}
	}

	res, err := t.client.CallTool(tc.Context(), t.info.Name, args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &tool.ToolError{Tool: t.info.Name, Message: rpcErr.Message, Code: tool.CodeExecution, Details: err}
		}
		return nil, err
	}

	if res.IsError {
		msg := joinText(res.Content)
		if msg == "" {
			msg = "remote tool reported an error"
		}
		return nil, tool.NewToolError(t.info.Name, msg, tool.CodeExecution)
	}

	return decodeContent(res), nil
}

// decodeContent prefers structured content, then JSON text, then plain text.
func decodeContent(res *CallToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}

	text := joinText(res.Content)
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}

func joinText(blocks []ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text", "":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s %s]", b.Type, b.MimeType))
		}
	}
	return strings.Join(parts, "\n")
}
