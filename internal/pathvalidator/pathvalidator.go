// Package pathvalidator normalises and validates client-supplied file
// paths against a repository root (spec §4.A).
//
// The policy is deliberately syntactic: a client path must already be
// in normal form (no ".", "..", no redundant or trailing separators).
// Validation does not resolve symlinks — the repository is assumed to
// be under the user's trusted control, and no facility here creates
// symlinks that could escape it.
package pathvalidator

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/jra3/filesyncd/internal/apperr"
)

// Validator resolves client-supplied relative paths against a fixed
// repository root.
type Validator struct {
	root string
}

// New returns a Validator rooted at root, which is resolved once at
// construction time and used as the join base for every call.
func New(root string) *Validator {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Validator{root: root}
}

// Root returns the absolute repository root resolved by New.
func (v *Validator) Root() string { return v.root }

// Resolve validates rel (a repository-relative, forward-slash path
// with the committed-namespace sigil already stripped by the caller)
// and returns the corresponding absolute filesystem path.
func (v *Validator) Resolve(rel string) (string, error) {
	if err := validateRelative(rel); err != nil {
		return "", err
	}
	return path.Join(v.root, rel), nil
}

// Validate applies the same rules as Resolve without producing an
// absolute path — used for committed-namespace names, which never
// touch the working-tree filesystem directly.
func (v *Validator) Validate(rel string) error {
	return validateRelative(rel)
}

// validateRelative applies spec §4.A's ordered rule set.
func validateRelative(rel string) error {
	if rel == "" {
		return apperr.New(apperr.InvalidPath, "empty path")
	}
	if path.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return apperr.Wrap(apperr.InvalidPath, rel, errAbsolutePath)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "." || seg == ".." {
			return apperr.Wrap(apperr.InvalidPath, rel, errDotSegment)
		}
	}
	if normalised := path.Clean(rel); normalised != rel {
		return apperr.Wrap(apperr.InvalidPath, rel, errNotNormalised)
	}
	return nil
}

var (
	errAbsolutePath  = errStr("absolute path")
	errDotSegment    = errStr("path contains a '.' or '..' segment")
	errNotNormalised = errStr("path is not in normalised form")
)

type errStr string

func (e errStr) Error() string { return string(e) }
