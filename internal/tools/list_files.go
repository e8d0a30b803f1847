package tools

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/nextlevelbuilder/goclaw/internal/sandbox"
)

// ListFilesTool lists directory entries, optionally through a sandbox container.
type ListFilesTool struct {
	workspace  string
	restrict   bool
	sandboxMgr sandbox.Manager
	gate       *Gate
}

// SetGate wires the Tool Policy & Sandbox gate's step-1 path checks.
func (t *ListFilesTool) SetGate(g *Gate) { t.gate = g }

func NewListFilesTool(workspace string, restrict bool) *ListFilesTool {
	return &ListFilesTool{workspace: workspace, restrict: restrict}
}

func NewSandboxedListFilesTool(workspace string, restrict bool, mgr sandbox.Manager) *ListFilesTool {
	return &ListFilesTool{workspace: workspace, restrict: restrict, sandboxMgr: mgr}
}

func (t *ListFilesTool) SetSandboxKey(key string) {}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List the files and directories at a path" }
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "Directory to list (default: workspace root)"},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	if t.gate != nil {
		if err := t.gate.CheckPath(path); err != nil {
			return ErrorResult(err.Error())
		}
	}

	sandboxKey := ToolSandboxKeyFromCtx(ctx)
	if t.sandboxMgr != nil && sandboxKey != "" {
		workspace := ToolWorkspaceFromCtx(ctx)
		if workspace == "" {
			workspace = t.workspace
		}
		sb, err := t.sandboxMgr.Get(ctx, sandboxKey, workspace)
		if err != nil {
			return ErrorResult(fmt.Sprintf("sandbox error: %v", err))
		}
		out, err := sb.Exec(ctx, []string{"ls", "-1a", path}, "/workspace")
		if err != nil {
			return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
		}
		if out.ExitCode != 0 {
			return ErrorResult(fmt.Sprintf("ls exited %d: %s", out.ExitCode, out.Stderr))
		}
		return SilentResult(out.Stdout)
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
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list directory: %v", err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for _, n := range names {
		out += n + "\n"
	}
	return SilentResult(out)
}
