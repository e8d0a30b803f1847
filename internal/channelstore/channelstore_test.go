package channelstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/sessiongraph"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := t.TempDir()
	ch, err := Open(root, "slack", "C123", sessiongraph.LockPolicy{WaitMs: 200})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "channels", "slack", "C123", "attachments")); err != nil {
		t.Fatalf("expected attachments dir: %v", err)
	}
	if ch.Session == nil {
		t.Fatal("expected session graph loaded")
	}
}

func TestSafeEventKeyReplacesUnsafeChars(t *testing.T) {
	got := SafeEventKey("env:123/abc def")
	want := "env_123_abc_def"
	if got != want {
		t.Fatalf("SafeEventKey = %q, want %q", got, want)
	}
}

func TestAppendLogEntryAndWriteMemory(t *testing.T) {
	root := t.TempDir()
	ch, err := Open(root, "slack", "C1", sessiongraph.LockPolicy{WaitMs: 200})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.AppendLogEntry(LogEntry{Direction: "inbound", EventKey: "env1", Source: "slack"}); err != nil {
		t.Fatalf("AppendLogEntry: %v", err)
	}
	if err := ch.WriteMemory("remember this"); err != nil {
		t.Fatalf("WriteMemory: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(root, "channels", "slack", "C1", "memory.md"))
	if err != nil || string(b) != "remember this" {
		t.Fatalf("memory.md = %q, err=%v", b, err)
	}
}

func TestAttachmentDirIsSanitized(t *testing.T) {
	root := t.TempDir()
	ch, err := Open(root, "slack", "C1", sessiongraph.LockPolicy{WaitMs: 200})
	if err != nil {
		t.Fatal(err)
	}
	dir, err := ch.AttachmentDir("env:1/x")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "env_1_x" {
		t.Fatalf("unexpected attachment dir: %s", dir)
	}
}
