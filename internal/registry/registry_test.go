package registry

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jra3/filesyncd/internal/apperr"
	"github.com/jra3/filesyncd/internal/fanout"
	"github.com/jra3/filesyncd/internal/pathvalidator"
	"github.com/jra3/filesyncd/internal/vcsgateway"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	gw, err := vcsgateway.New(root, nil, false)
	if err != nil {
		t.Fatalf("vcsgateway.New: %v", err)
	}
	v := pathvalidator.New(root)
	hub := fanout.NewHub()
	return New(v, gw, hub), root
}

func commitAll(t *testing.T, root string, gw *vcsgateway.Gateway, message string) {
	t.Helper()
	cmd := exec.Command("git", "config", "user.email", "test@example.com")
	cmd.Dir = root
	cmd.Run()
	cmd = exec.Command("git", "config", "user.name", "test")
	cmd.Dir = root
	cmd.Run()

	if err := gw.StageAllAndCommit(message); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}
}

func TestOpenCloseTracksRefCount(t *testing.T) {
	reg, root := newTestRegistry(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := reg.Open("a.txt"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := reg.Open("a.txt"); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if !reg.IsTracked("a.txt") {
		t.Fatalf("expected a.txt to be tracked")
	}

	reg.Close("a.txt")
	if !reg.IsTracked("a.txt") {
		t.Fatalf("expected a.txt still tracked after one close (ref_count should be 1)")
	}

	reg.Close("a.txt")
	if reg.IsTracked("a.txt") {
		t.Fatalf("expected a.txt untracked after ref_count reaches zero")
	}
}

func TestOpenMissingFileReturnsNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Open("missing.txt")
	if err == nil {
		t.Fatalf("expected error opening missing file")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWriteWithMatchingBasePassesThroughDesired(t *testing.T) {
	reg, root := newTestRegistry(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	written, err := reg.Write("a.txt", "hello", "hello world", nil, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if written != "hello world" {
		t.Fatalf("got %q", written)
	}

	onDisk, err := os.ReadFile(filepath.Join(root, "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(onDisk) != "hello world" {
		t.Fatalf("on-disk content %q", onDisk)
	}
}

func TestWriteWithDivergentBaseMerges(t *testing.T) {
	reg, root := newTestRegistry(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("line1\nline2\nline3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Simulate another client committing a change to line3 first.
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("line1\nline2\nline3-changed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	written, err := reg.Write("a.txt", "line1\nline2\nline3\n", "line1-edited\nline2\nline3\n", nil, nil)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if written == "" {
		t.Fatalf("expected non-empty merge result")
	}
}

func TestWriteRejectsCommittedNamespace(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Write("@a.txt", "", "x", nil, nil)
	if err == nil {
		t.Fatalf("expected error writing committed namespace")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.InvalidPath {
		t.Fatalf("expected InvalidPath, got %v", err)
	}
}

func TestOpenCommittedNamespaceReadsFromHead(t *testing.T) {
	reg, root := newTestRegistry(t)
	gw, err := vcsgateway.New(root, nil, false)
	if err != nil {
		t.Fatalf("vcsgateway.New: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("committed content"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	commitAll(t, root, gw, "initial")

	content, err := reg.Open("@a.txt")
	if err != nil {
		t.Fatalf("Open @a.txt: %v", err)
	}
	if content != "committed content" {
		t.Fatalf("got %q", content)
	}
}

func TestOpenCommittedNamespaceMissingBlobIsEmptyNotError(t *testing.T) {
	reg, root := newTestRegistry(t)
	gw, err := vcsgateway.New(root, nil, false)
	if err != nil {
		t.Fatalf("vcsgateway.New: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	commitAll(t, root, gw, "initial")

	content, err := reg.Open("@never-committed.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if content != "" {
		t.Fatalf("expected empty content for never-committed blob, got %q", content)
	}
}

func TestApplyExternalUpdateUpdatesTrackedFileOnly(t *testing.T) {
	reg, root := newTestRegistry(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := reg.Open("a.txt"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	reg.ApplyExternalUpdate("a.txt", "external edit", 42)

	e, ok := reg.Snapshot("a.txt")
	if !ok {
		t.Fatalf("expected a.txt tracked")
	}
	if e.Content != "external edit" || e.MTime != 42 {
		t.Fatalf("got %+v", e)
	}

	// Untracked names are a no-op, not a panic.
	reg.ApplyExternalUpdate("untracked.txt", "x", 1)
}
