package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/tool"
)

// Names of the workspace file tools.
const (
	ToolWriteFile = "write_file"
	ToolReadFile  = "read_file"
	ToolListFiles = "list_files"
)

// maxReadBytes caps the content returned by read_file.
const maxReadBytes = 64 << 10

// FileTools returns tools that write, read and list files in the workspace
// of the calling session. Paths are relative to the workspace and may not
// leave it.
func FileTools() []tool.Tool {
	return []tool.Tool{writeFileTool(), readFileTool(), listFilesTool()}
}

// RegisterFileTools adds the file tools to reg.
func RegisterFileTools(reg *tool.Registry) error {
	for _, t := range FileTools() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func workspacePath(tc *core.ToolContext, name, rel string) (string, error) {
	ws := tc.Workspace()
	if ws == "" {
		return "", tool.NewToolError(name, "no workspace is available in this session", tool.CodeExecution)
	}
	p, err := resolve(ws, rel)
	if err != nil {
		return "", tool.NewToolError(name, err.Error(), tool.CodeValidation)
	}
	return p, nil
}

func writeFileTool() tool.Tool {
	return tool.NewFunctionTool(
		ToolWriteFile,
		"Write a text file in the session workspace, replacing an existing file of the same name.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string", "description": "Relative file path, e.g. 'report/summary.md'"},
				"content": map[string]any{"type": "string", "description": "Full file content"},
			},
			"required": []string{"path", "content"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			rel, _ := args["path"].(string)
			content, _ := args["content"].(string)
			p, err := workspacePath(tc, ToolWriteFile, rel)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				return nil, fmt.Errorf("create directory: %w", err)
			}
			if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}
			return map[string]any{"path": rel, "bytes": len(content)}, nil
		},
	)
}

func readFileTool() tool.Tool {
	return tool.NewFunctionTool(
		ToolReadFile,
		"Read a text file from the session workspace.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{"type": "string", "description": "Relative file path"},
			},
			"required": []string{"path"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			rel, _ := args["path"].(string)
			p, err := workspacePath(tc, ToolReadFile, rel)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(p)
			if errors.Is(err, fs.ErrNotExist) {
				return nil, tool.NewToolError(ToolReadFile, fmt.Sprintf("file %q does not exist", rel), tool.CodeNotFound)
			}
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}
			truncated := len(data) > maxReadBytes
			if truncated {
				data = data[:maxReadBytes]
			}
			return map[string]any{"path": rel, "content": string(data), "truncated": truncated}, nil
		},
	)
}

func listFilesTool() tool.Tool {
	return tool.NewFunctionTool(
		ToolListFiles,
		"List the files in the session workspace.",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(tc *core.ToolContext, _ map[string]any) (any, error) {
			ws := tc.Workspace()
			if ws == "" {
				return nil, tool.NewToolError(ToolListFiles, "no workspace is available in this session", tool.CodeExecution)
			}
			files, err := walk(ws)
			if err != nil {
				return nil, fmt.Errorf("list files: %w", err)
			}
			if files == nil {
				files = []File{}
			}
			return map[string]any{"files": files}, nil
		},
	)
}
