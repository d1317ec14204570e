package vcsgateway

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jra3/filesyncd/internal/apperr"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	requireGit(t)

	root := t.TempDir()
	g, err := New(root, nil, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")

	return g, root
}

func TestNewInitializesRepository(t *testing.T) {
	_, root := newTestGateway(t)
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		t.Fatalf(".git missing after New: %v", err)
	}
}

func TestStageAllAndCommitThenReadBlob(t *testing.T) {
	g, root := newTestGateway(t)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := g.StageAllAndCommit("initial"); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}

	content, err := g.ReadBlob("a.txt", "HEAD")
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if content != "hello" {
		t.Fatalf("got %q", content)
	}
}

func TestCommitWithNoChangesIsNoop(t *testing.T) {
	g, root := newTestGateway(t)

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.StageAllAndCommit("initial"); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}

	if err := g.StageAllAndCommit("nothing changed"); err != nil {
		t.Fatalf("expected no-op commit to succeed, got %v", err)
	}
}

func TestReadBlobMissingPathReturnsNotFoundInRevision(t *testing.T) {
	g, root := newTestGateway(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.StageAllAndCommit("initial"); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}

	_, err := g.ReadBlob("missing.txt", "HEAD")
	if err == nil {
		t.Fatalf("expected error reading missing path")
	}
	if kind, ok := apperr.KindOf(err); !ok || kind != apperr.NotFoundInRevision {
		t.Fatalf("expected NotFoundInRevision, got %v", err)
	}
}

func TestResolveHeadTracksCurrentBranch(t *testing.T) {
	g, root := newTestGateway(t)
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("v1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.StageAllAndCommit("v1"); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}

	commit1, refPath, err := g.ResolveHead()
	if err != nil {
		t.Fatalf("ResolveHead: %v", err)
	}
	if commit1 == "" {
		t.Fatalf("expected non-empty commit id")
	}
	if refPath == "" {
		t.Fatalf("expected non-empty ref path")
	}

	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := g.StageAllAndCommit("v2"); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}

	commit2, _, err := g.ResolveHead()
	if err != nil {
		t.Fatalf("ResolveHead: %v", err)
	}
	if commit2 == commit1 {
		t.Fatalf("expected commit id to change after second commit")
	}
}
