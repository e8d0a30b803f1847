package tools

import (
	"context"
	"errors"
	"testing"
)

func TestCheckBashRejectsOverLengthCommand(t *testing.T) {
	p := DefaultPolicy()
	p.MaxCommandLength = 5
	g := NewGate(p)
	_, _, err := g.CheckBash(context.Background(), "exec", "echo hello world", "/tmp")
	if err == nil {
		t.Fatal("expected error for over-length command")
	}
}

func TestCheckBashRejectsNewlinesByDefault(t *testing.T) {
	g := NewGate(DefaultPolicy())
	_, _, err := g.CheckBash(context.Background(), "exec", "echo hi\nrm -rf /", "/tmp")
	if err == nil {
		t.Fatal("expected error for newline in command")
	}
}

func TestCheckBashAllowlistBlocksUnlistedCommand(t *testing.T) {
	p := DefaultPolicy()
	p.BashProfile = ProfileBalanced
	p.AllowedCommands = []string{"git", "ls*"}
	g := NewGate(p)

	if _, _, err := g.CheckBash(context.Background(), "exec", "curl https://evil.example", "/tmp"); err == nil {
		t.Fatal("expected curl to be denied under allowlist")
	}
	if _, _, err := g.CheckBash(context.Background(), "exec", "git status", "/tmp"); err != nil {
		t.Fatalf("expected git to pass allowlist: %v", err)
	}
	if _, _, err := g.CheckBash(context.Background(), "exec", "ls -la", "/tmp"); err != nil {
		t.Fatalf("expected ls* wildcard to match: %v", err)
	}
}

func TestCheckBashPermissiveSkipsAllowlist(t *testing.T) {
	p := DefaultPolicy()
	p.BashProfile = ProfilePermissive
	g := NewGate(p)
	if _, _, err := g.CheckBash(context.Background(), "exec", "curl https://example.com", "/tmp"); err != nil {
		t.Fatalf("expected permissive profile to skip allowlist: %v", err)
	}
}

func TestCheckBashDryRunShortCircuits(t *testing.T) {
	p := DefaultPolicy()
	p.BashDryRun = true
	p.AllowedCommands = []string{"echo"}
	g := NewGate(p)
	_, dryRun, err := g.CheckBash(context.Background(), "exec", "echo hi", "/tmp")
	if err != nil || !dryRun {
		t.Fatalf("expected dry_run=true, got dryRun=%v err=%v", dryRun, err)
	}
}

func TestCheckBashExtensionOverrideDenies(t *testing.T) {
	p := DefaultPolicy()
	p.ExtensionPolicyOverrideRoot = "/extensions"
	p.AllowedCommands = []string{"echo"}
	g := NewGate(p)
	g.SetExtensionOverride(func(ctx context.Context, tool, command, cwd string) error {
		return errors.New("denied by policy")
	})
	if _, _, err := g.CheckBash(context.Background(), "exec", "echo hi", "/tmp"); err == nil {
		t.Fatal("expected extension override denial")
	}
}

func TestRateLimitRejectsExcessRequests(t *testing.T) {
	p := DefaultPolicy()
	p.ToolRateLimitMaxRequests = 1
	p.ToolRateLimitWindowMs = 60_000
	p.AllowedCommands = []string{"echo"}
	g := NewGate(p)

	if _, _, err := g.CheckBash(context.Background(), "exec", "echo 1", "/tmp"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if _, _, err := g.CheckBash(context.Background(), "exec", "echo 2", "/tmp"); err == nil {
		t.Fatal("expected second request to be rate limited")
	}
}

func TestTruncateOutputPreservesHeadAndTail(t *testing.T) {
	s := "0123456789"
	got := TruncateOutput(s, 6)
	if len(got) <= 6 && got != s {
		t.Fatalf("expected elision marker in truncated output, got %q", got)
	}
	if got[:1] != "0" {
		t.Fatalf("expected head preserved, got %q", got)
	}
}

func TestWrapForHostExecOffPassesThrough(t *testing.T) {
	g := NewGate(DefaultPolicy())
	shell, args, err := g.WrapForHostExec("echo hi", "/tmp")
	if err != nil || shell != "sh" || len(args) != 2 {
		t.Fatalf("expected unwrapped sh -c, got shell=%q args=%v err=%v", shell, args, err)
	}
}

func TestWrapForHostExecForceFailsClosedWithoutLauncher(t *testing.T) {
	p := DefaultPolicy()
	p.OSSandboxMode = WrapForce
	p.OSSandboxCommand = []string{"definitely-not-a-real-launcher-binary", "{command}"}
	g := NewGate(p)
	if _, _, err := g.WrapForHostExec("echo hi", "/tmp"); err == nil {
		t.Fatal("expected Force mode to fail closed when launcher is unavailable")
	}
}
