package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/goclaw/internal/sandbox"
)

// EditTool performs an exact string replacement within a file,
// optionally through a sandbox container. old_text must occur exactly
// once, matching the unambiguous-replacement discipline the rest of
// the tool belt (e.g. ExecTool's deny-pattern gate) applies before
// touching the filesystem.
type EditTool struct {
	workspace  string
	restrict   bool
	sandboxMgr sandbox.Manager
	gate       *Gate
}

// SetGate wires the Tool Policy & Sandbox gate's step-1 path checks.
func (t *EditTool) SetGate(g *Gate) { t.gate = g }

func NewEditTool(workspace string, restrict bool) *EditTool {
	return &EditTool{workspace: workspace, restrict: restrict}
}

func NewSandboxedEditTool(workspace string, restrict bool, mgr sandbox.Manager) *EditTool {
	return &EditTool{workspace: workspace, restrict: restrict, sandboxMgr: mgr}
}

func (t *EditTool) SetSandboxKey(key string) {}

func (t *EditTool) Name() string        { return "edit_file" }
func (t *EditTool) Description() string { return "Replace an exact, unique substring within a file" }
func (t *EditTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":     map[string]interface{}{"type": "string", "description": "Path to the file to edit"},
			"old_text": map[string]interface{}{"type": "string", "description": "Exact text to find, must be unique in the file"},
			"new_text": map[string]interface{}{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" || oldText == "" {
		return ErrorResult("path and old_text are required")
	}

	sandboxKey := ToolSandboxKeyFromCtx(ctx)
	workspace := ToolWorkspaceFromCtx(ctx)
	if workspace == "" {
		workspace = t.workspace
	}

	if t.sandboxMgr != nil && sandboxKey != "" {
		if t.gate != nil {
			if err := t.gate.CheckPath(path); err != nil {
				return ErrorResult(err.Error())
			}
		}
		sb, err := t.sandboxMgr.Get(ctx, sandboxKey, workspace)
		if err != nil {
			return ErrorResult(fmt.Sprintf("sandbox error: %v", err))
		}
		bridge := sandbox.NewFsBridge(sb.ID(), "/workspace")
		content, err := bridge.ReadFile(ctx, path)
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
		}
		updated, err := replaceUnique(content, oldText, newText)
		if err != nil {
			return ErrorResult(err.Error())
		}
		if t.gate != nil && t.gate.policy.MaxFileWriteBytes > 0 && int64(len(updated)) > t.gate.policy.MaxFileWriteBytes {
			return ErrorResult(fmt.Sprintf("policy denied: resulting file size %d exceeds max_file_write_bytes (%d)", len(updated), t.gate.policy.MaxFileWriteBytes))
		}
		if err := bridge.WriteFile(ctx, path, updated); err != nil {
			return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
		}
		return SilentResult(fmt.Sprintf("edited %s", path))
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
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err))
	}
	updated, err := replaceUnique(string(data), oldText, newText)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if t.gate != nil && t.gate.policy.MaxFileWriteBytes > 0 && int64(len(updated)) > t.gate.policy.MaxFileWriteBytes {
		return ErrorResult(fmt.Sprintf("policy denied: resulting file size %d exceeds max_file_write_bytes (%d)", len(updated), t.gate.policy.MaxFileWriteBytes))
	}
	info, err := os.Stat(resolved)
	mode := os.FileMode(0o644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(resolved, []byte(updated), mode); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("edited %s", path))
}

func replaceUnique(content, oldText, newText string) (string, error) {
	count := strings.Count(content, oldText)
	if count == 0 {
		return "", fmt.Errorf("old_text not found in file")
	}
	if count > 1 {
		return "", fmt.Errorf("old_text is not unique in file: found %d occurrences", count)
	}
	return strings.Replace(content, oldText, newText, 1), nil
}
