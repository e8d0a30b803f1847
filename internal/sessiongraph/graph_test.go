package sessiongraph

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempGraph(t *testing.T) *Graph {
	t.Helper()
	dir := t.TempDir()
	g, err := Load(filepath.Join(dir, "session.jsonl"), LockPolicy{WaitMs: 500, StaleMs: 0})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return g
}

func userMsg(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{{Type: "text", Text: text}}}
}

func TestEnsureInitializedCreatesRoot(t *testing.T) {
	g := tempGraph(t)
	head, err := g.EnsureInitialized("You are a helpful coding assistant.")
	if err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if head == nil || *head != 1 {
		t.Fatalf("expected root id 1, got %v", head)
	}

	again, err := g.EnsureInitialized("ignored second time")
	if err != nil {
		t.Fatalf("second EnsureInitialized: %v", err)
	}
	if again != nil {
		t.Fatalf("expected nil on already-initialized graph, got %v", again)
	}
}

func TestAppendMessagesContiguousIDs(t *testing.T) {
	g := tempGraph(t)
	root, err := g.EnsureInitialized("sys")
	if err != nil {
		t.Fatal(err)
	}

	head, err := g.AppendMessages(root, []Message{userMsg("q1"), userMsg("a1")})
	if err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if *head != 3 {
		t.Fatalf("expected head 3, got %d", *head)
	}
	if g.MaxID() != 3 {
		t.Fatalf("expected max id 3, got %d", g.MaxID())
	}
}

func TestLineageMessagesChronologicalOrder(t *testing.T) {
	g := tempGraph(t)
	root, _ := g.EnsureInitialized("sys")
	head, err := g.AppendMessages(root, []Message{userMsg("q1"), userMsg("a1")})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := g.LineageMessages(*head)
	if err != nil {
		t.Fatalf("LineageMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[1].Content[0].Text != "q1" || msgs[2].Content[0].Text != "a1" {
		t.Fatalf("unexpected lineage order: %+v", msgs)
	}
}

func TestLineageMessagesUnknownID(t *testing.T) {
	g := tempGraph(t)
	g.EnsureInitialized("sys")
	if _, err := g.LineageMessages(999); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestReloadFromDiskPreservesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	policy := LockPolicy{WaitMs: 500}

	g, err := Load(path, policy)
	if err != nil {
		t.Fatal(err)
	}
	root, _ := g.EnsureInitialized("sys")
	g.AppendMessages(root, []Message{userMsg("q1")})

	reloaded, err := Load(path, policy)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.MaxID() != 2 {
		t.Fatalf("expected 2 entries after reload, got %d", reloaded.MaxID())
	}
}

func TestRepairIsIdempotent(t *testing.T) {
	g := tempGraph(t)
	root, _ := g.EnsureInitialized("sys")
	g.AppendMessages(root, []Message{userMsg("q1")})

	report, err := g.Repair()
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}

	second, err := g.Repair()
	if err != nil {
		t.Fatalf("second Repair: %v", err)
	}
	if second.RemovedDuplicates != 0 || second.RemovedInvalidParent != 0 || second.RemovedCycles != 0 {
		t.Fatalf("second repair not idempotent: %+v (first: %+v)", second, report)
	}
}

func TestCompactToLineagePreservesLineage(t *testing.T) {
	g := tempGraph(t)
	root, _ := g.EnsureInitialized("sys")
	q1, _ := g.AppendMessages(root, []Message{userMsg("q1")})
	a1, _ := g.AppendMessages(q1, []Message{userMsg("a1")})
	// a second, divergent branch off q1 that compaction should drop.
	g.AppendMessages(q1, []Message{userMsg("a1-alt")})

	before, err := g.LineageMessages(*a1)
	if err != nil {
		t.Fatal(err)
	}

	report, err := g.CompactToLineage(*a1)
	if err != nil {
		t.Fatalf("CompactToLineage: %v", err)
	}
	if report.RetainedEntries != 3 {
		t.Fatalf("expected 3 retained entries, got %d", report.RetainedEntries)
	}

	after, err := g.LineageMessages(report.HeadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("lineage length changed: before=%d after=%d", len(before), len(after))
	}
	for i := range before {
		if before[i].Content[0].Text != after[i].Content[0].Text {
			t.Fatalf("lineage content mismatch at %d: %q vs %q", i, before[i].Content[0].Text, after[i].Content[0].Text)
		}
	}
}

func TestBranchTips(t *testing.T) {
	g := tempGraph(t)
	root, _ := g.EnsureInitialized("sys")
	q1, _ := g.AppendMessages(root, []Message{userMsg("q1")})
	g.AppendMessages(q1, []Message{userMsg("a1")})
	g.AppendMessages(q1, []Message{userMsg("a1-alt")})

	tips := g.BranchTips()
	if len(tips) != 2 {
		t.Fatalf("expected 2 branch tips, got %d: %v", len(tips), tips)
	}
}

func TestLockIsStaleReclaimed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")
	lockPath := path + ".lock"
	if err := os.WriteFile(lockPath, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-time.Hour)
	os.Chtimes(lockPath, oldTime, oldTime)

	g, err := Load(path, LockPolicy{WaitMs: 200, StaleMs: 50})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.EnsureInitialized("sys"); err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
}
