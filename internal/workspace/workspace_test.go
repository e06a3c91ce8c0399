package workspace_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/cubicle/internal/workspace"
)

func newTree(t *testing.T) (*workspace.Manager, *workspace.Tree) {
	t.Helper()
	mgr, err := workspace.NewManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	tree, err := mgr.Ensure(6, 0)
	if err != nil {
		t.Fatalf("ensure tree: %v", err)
	}
	return mgr, tree
}

func TestEnsureCreatesLayout(t *testing.T) {
	_, tree := newTree(t)

	for _, sub := range []string{"out", "in", "work", "www", ".context", ".control"} {
		info, err := os.Stat(filepath.Join(tree.Dir(), sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing subdir %s: %v", sub, err)
		}
	}
}

func TestEnsureKeepsExistingContent(t *testing.T) {
	mgr, tree := newTree(t)

	if err := tree.Write("out/report.md", "draft"); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A wake re-ensures the tree; the desk must survive.
	tree2, err := mgr.Ensure(6, 0)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	got, err := tree2.Read("out/report.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "draft" {
		t.Errorf("content = %q", got)
	}
}

func TestTraversalBlocked(t *testing.T) {
	_, tree := newTree(t)

	for _, path := range []string{
		"../../../etc/passwd",
		"out/../../user-1/secret",
		"/etc/passwd",
		"",
	} {
		if _, err := tree.Read(path); err == nil {
			t.Errorf("Read(%q) should be blocked", path)
		}
		if err := tree.Write(path, "x"); err == nil {
			t.Errorf("Write(%q) should be blocked", path)
		}
	}
}

func TestSymlinkEscapeBlocked(t *testing.T) {
	mgr, tree := newTree(t)

	outside := filepath.Join(filepath.Dir(mgr.PathFor(6, 0)), "..", "..", "outside")
	if err := os.MkdirAll(outside, 0o755); err != nil {
		t.Fatalf("mkdir outside: %v", err)
	}
	link := filepath.Join(tree.Dir(), "work", "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	if err := tree.Write("work/escape/file.txt", "x"); err == nil {
		t.Error("write through escaping symlink should be blocked")
	}
}

func TestHistoryAndMeetingSnapshots(t *testing.T) {
	_, tree := newTree(t)

	if err := tree.WriteHistory([]byte(`[{"role":"user","content":"hi"}]`)); err != nil {
		t.Fatalf("write history: %v", err)
	}
	got, err := tree.Read(workspace.HistoryPath())
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	if got != `[{"role":"user","content":"hi"}]` {
		t.Errorf("history = %q", got)
	}

	if err := tree.WriteMeeting([]byte(`{"topic":"numbers"}`)); err != nil {
		t.Fatalf("write meeting: %v", err)
	}
	if _, err := tree.Read(workspace.MeetingPath()); err != nil {
		t.Fatalf("read meeting: %v", err)
	}
	if err := tree.ClearMeeting(); err != nil {
		t.Fatalf("clear meeting: %v", err)
	}
	if _, err := tree.Read(workspace.MeetingPath()); err == nil {
		t.Error("meeting snapshot should be gone")
	}
	// Clearing twice is fine.
	if err := tree.ClearMeeting(); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestDecisionFiles(t *testing.T) {
	_, tree := newTree(t)

	token := "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d"
	err := tree.WriteDecision(token, workspace.Decision{Decision: "approved"})
	if err != nil {
		t.Fatalf("write decision: %v", err)
	}

	raw, err := tree.Read(filepath.Join(".control", token+".json"))
	if err != nil {
		t.Fatalf("read decision: %v", err)
	}
	var d workspace.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if d.Decision != "approved" {
		t.Errorf("decision = %+v", d)
	}

	// Tokens come from the sandbox and must not be able to name paths.
	for _, bad := range []string{"", "../evil", "a/b", "x..y/", "tok.json"} {
		if err := tree.WriteDecision(bad, workspace.Decision{Decision: "denied"}); err == nil {
			t.Errorf("WriteDecision(%q) should be rejected", bad)
		}
	}
}

func TestClearControl(t *testing.T) {
	_, tree := newTree(t)

	for _, token := range []string{"tok-one", "tok-two"} {
		if err := tree.WriteDecision(token, workspace.Decision{Decision: "approved"}); err != nil {
			t.Fatalf("write decision: %v", err)
		}
	}
	if err := tree.ClearControl(); err != nil {
		t.Fatalf("clear control: %v", err)
	}
	entries, err := tree.List(".control")
	if err != nil {
		t.Fatalf("list control: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("control dir not empty: %+v", entries)
	}
}

func TestRemoveTree(t *testing.T) {
	mgr, tree := newTree(t)

	if err := tree.Write("out/x", "x"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mgr.Remove(6, 0); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(tree.Dir()); !os.IsNotExist(err) {
		t.Error("tree should be gone")
	}

	// Open on a removed key reports absence, not an error.
	opened, err := mgr.Open(6, 0)
	if err != nil || opened != nil {
		t.Errorf("open removed = %v, %v", opened, err)
	}
}

func TestListCapsEntries(t *testing.T) {
	_, tree := newTree(t)

	if err := tree.Write("out/a.txt", "a"); err != nil {
		t.Fatalf("write: %v", err)
	}
	entries, err := tree.List("out")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "a.txt" || entries[0].IsDir {
		t.Errorf("entries = %+v", entries)
	}
}
