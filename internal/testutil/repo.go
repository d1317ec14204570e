// Package testutil provides shared test fixtures: a temporary git
// repository instead of the teacher's Linear API/SQLite fixtures,
// following the same t.Helper()/t.TempDir()/t.Cleanup() conventions.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jra3/filesyncd/internal/config"
	"github.com/jra3/filesyncd/internal/vcsgateway"
)

// RequireGit skips the test if no git binary is on PATH.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

// NewTestRepo creates an empty git repository in a temp directory and
// returns its root along with a Gateway rooted there.
func NewTestRepo(t *testing.T) (root string, gw *vcsgateway.Gateway) {
	t.Helper()
	RequireGit(t)

	root = t.TempDir()
	gw, err := vcsgateway.New(root, nil, false)
	if err != nil {
		t.Fatalf("vcsgateway.New: %v", err)
	}

	run(t, root, "config", "user.email", "test@example.com")
	run(t, root, "config", "user.name", "test")

	return root, gw
}

func run(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

// WriteFile writes content to a path under root, creating parent
// directories as needed.
func WriteFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// CommitAll stages and commits everything currently in root.
func CommitAll(t *testing.T, gw *vcsgateway.Gateway, message string) {
	t.Helper()
	if err := gw.StageAllAndCommit(message); err != nil {
		t.Fatalf("StageAllAndCommit: %v", err)
	}
}

// TestConfig returns a config suitable for tests: a short debounce
// window and no audit log.
func TestConfig(root string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Repo.Root = root
	cfg.Watch.DebounceWindow = 10 * time.Millisecond
	return cfg
}
