// Package atomicio implements the write-then-rename protocol spec
// §4.B requires: a concurrent reader must observe either the
// pre-image or the complete post-image of a write, never a partial
// one.
package atomicio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jra3/filesyncd/internal/apperr"
)

// Write writes content to path atomically and returns the mtime of
// the file as captured immediately after the write, before the
// rename — this is the timestamp the caller should cache, matching
// the stat-before-rename ordering original_source uses to avoid a
// read/stat race.
//
// Parent directories are created on demand. On any failure the
// temporary file is removed and the error is returned wrapped as
// apperr.IoError.
func Write(path string, content string) (mtime int64, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("create parent directory: %w", err))
	}

	tmpName := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))

	f, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("create temp file: %w", err))
	}

	cleanup := func() {
		f.Close()
		os.Remove(tmpName)
	}

	if _, err := f.WriteString(content); err != nil {
		cleanup()
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("write temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("fsync temp file: %w", err))
	}

	info, err := f.Stat()
	if err != nil {
		cleanup()
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("stat temp file: %w", err))
	}
	mtime = info.ModTime().UnixNano()

	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("close temp file: %w", err))
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, apperr.Wrap(apperr.IoError, path, fmt.Errorf("rename into place: %w", err))
	}

	return mtime, nil
}
