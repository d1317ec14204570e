// Package vcsgateway wraps the underlying DVCS (git) with the three
// operations spec §4.D needs: reading a blob at a revision, staging
// and committing, and resolving HEAD. It shells out to an installed
// git binary, exactly as original_source's tasks.py does
// ("ensure_git_repo", "git show HEAD:<path>") — spec §4.D explicitly
// permits either approach and the contract is the same either way.
package vcsgateway

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jra3/filesyncd/internal/apperr"
)

// Gateway runs git commands against one working tree.
type Gateway struct {
	root   string
	logger *log.Logger
	debug  bool
}

// New returns a Gateway rooted at root. If the root is not already a
// git repository, it is initialized, mirroring original_source's
// ensure_git_repo. debug gates verbose per-command tracing.
func New(root string, logger *log.Logger, debug bool) (*Gateway, error) {
	if logger == nil {
		logger = log.Default()
	}
	g := &Gateway{root: root, logger: logger, debug: debug}

	if _, err := os.Stat(filepath.Join(root, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create repository root: %w", err)
		}
		if _, _, err := g.run("init"); err != nil {
			return nil, fmt.Errorf("git init: %w", err)
		}
		g.logger.Printf("initialized git repository at %s", root)
	} else if err != nil {
		return nil, fmt.Errorf("stat repository root: %w", err)
	}

	return g, nil
}

// ReadBlob returns the content of path at revision. revision is
// typically "HEAD" or a commit id.
func (g *Gateway) ReadBlob(path, revision string) (string, error) {
	out, errOut, err := g.run("show", fmt.Sprintf("%s:%s", revision, path))
	if err != nil {
		if isMissingInRevision(errOut) {
			return "", apperr.Wrap(apperr.NotFoundInRevision, path, err)
		}
		if isUnknownRevision(errOut) {
			return "", apperr.Wrap(apperr.InvalidRevision, revision, err)
		}
		return "", apperr.Wrap(apperr.NotFoundInRevision, path, err)
	}
	return out, nil
}

// StageAllAndCommit stages all changes (respecting .gitignore) and
// creates a commit with message. A commit attempted with no staged
// changes is a no-op, not an error.
func (g *Gateway) StageAllAndCommit(message string) error {
	if _, _, err := g.run("add", "-A"); err != nil {
		return apperr.New(apperr.CommitFailed, fmt.Sprintf("stage changes: %v", err))
	}

	out, errOut, err := g.run("commit", "-m", message)
	if err != nil {
		// git reports an empty commit on stdout, not stderr.
		if strings.Contains(out, "nothing to commit") || strings.Contains(errOut, "nothing to commit") {
			return nil
		}
		return apperr.New(apperr.CommitFailed, strings.TrimSpace(errOut))
	}
	return nil
}

// ResolveHead reads the symbolic HEAD pointer and returns the current
// commit id together with the filesystem path of the ref file whose
// content tracks it (or of HEAD itself when detached).
func (g *Gateway) ResolveHead() (commitID string, refPath string, err error) {
	gitDir := filepath.Join(g.root, ".git")
	headPath := filepath.Join(gitDir, "HEAD")

	headContent, err := os.ReadFile(headPath)
	if err != nil {
		return "", headPath, fmt.Errorf("read HEAD: %w", err)
	}

	line := strings.TrimSpace(string(headContent))
	if ref, ok := strings.CutPrefix(line, "ref: "); ok {
		refFile := filepath.Join(gitDir, ref)
		content, err := os.ReadFile(refFile)
		if os.IsNotExist(err) {
			return "", refFile, nil
		}
		if err != nil {
			return "", refFile, fmt.Errorf("read ref %s: %w", ref, err)
		}
		return strings.TrimSpace(string(content)), refFile, nil
	}

	// Detached HEAD: the HEAD file itself holds the commit id.
	return line, headPath, nil
}

func (g *Gateway) run(args ...string) (stdout, stderr string, err error) {
	if g.debug {
		g.logger.Printf("vcsgateway: git %s", strings.Join(args, " "))
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = g.root
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return out.String(), errBuf.String(), err
}

func isMissingInRevision(stderr string) bool {
	return strings.Contains(stderr, "does not exist in") || strings.Contains(stderr, "exists on disk, but not in")
}

func isUnknownRevision(stderr string) bool {
	return strings.Contains(stderr, "unknown revision") || strings.Contains(stderr, "bad revision") || strings.Contains(stderr, "Not a valid object name")
}
