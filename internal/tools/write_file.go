package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/goclaw/internal/sandbox"
)

// WriteFileTool creates or overwrites a file, optionally through a
// sandbox container. Mirrors ReadFileTool's host/sandbox routing in
// internal/tools/filesystem.go.
type WriteFileTool struct {
	workspace  string
	restrict   bool
	sandboxMgr sandbox.Manager
	gate       *Gate
}

// SetGate wires the Tool Policy & Sandbox gate's step-1 path checks.
func (t *WriteFileTool) SetGate(g *Gate) { t.gate = g }

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func NewSandboxedWriteFileTool(workspace string, restrict bool, mgr sandbox.Manager) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict, sandboxMgr: mgr}
}

// SetSandboxKey is a no-op; sandbox key is read from ctx (thread-safe).
func (t *WriteFileTool) SetSandboxKey(key string) {}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Create or overwrite a file with the given content" }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "Path to the file to write"},
			"content": map[string]interface{}{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return ErrorResult("path is required")
	}
	if t.gate != nil && t.gate.policy.MaxFileWriteBytes > 0 && int64(len(content)) > t.gate.policy.MaxFileWriteBytes {
		return ErrorResult(fmt.Sprintf("policy denied: content size %d exceeds max_file_write_bytes (%d)", len(content), t.gate.policy.MaxFileWriteBytes))
	}

	sandboxKey := ToolSandboxKeyFromCtx(ctx)
	if t.sandboxMgr != nil && sandboxKey != "" {
		if t.gate != nil {
			if err := t.gate.CheckPath(path); err != nil {
				return ErrorResult(err.Error())
			}
		}
		workspace := ToolWorkspaceFromCtx(ctx)
		if workspace == "" {
			workspace = t.workspace
		}
		sb, err := t.sandboxMgr.Get(ctx, sandboxKey, workspace)
		if err != nil {
			return ErrorResult(fmt.Sprintf("sandbox error: %v", err))
		}
		bridge := sandbox.NewFsBridge(sb.ID(), "/workspace")
		if err := bridge.WriteFile(ctx, path, content); err != nil {
			return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
		}
		return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	}

	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}
	resolved, err := resolvePath(path, workspace, t.restrict)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if t.gate != nil {
		if err := t.gate.CheckPath(resolved); err != nil {
			return ErrorResult(err.Error())
		}
		if err := t.gate.CheckRegularFile(resolved); err != nil {
			return ErrorResult(err.Error())
		}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create parent directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}
