// Package watch implements the Change Detector (spec §4.F): a scoped,
// cancellable background task that watches a repository's working
// tree and its DVCS HEAD pointer, feeding every externally-observed
// change back into the File Registry.
//
// Lifecycle follows the teacher's sync worker (Start/Stop over a
// stopCh/doneCh pair guarded by a mutex); the directory watch itself
// is fsnotify, seen elsewhere in the retrieved dependency graph for
// exactly this kind of recursive filesystem watch.
package watch

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/jra3/filesyncd/internal/apperr"
	"github.com/jra3/filesyncd/internal/pathvalidator"
	"github.com/jra3/filesyncd/internal/registry"
	"github.com/jra3/filesyncd/internal/vcsgateway"
)

// Registry is the subset of *registry.Registry the detector needs.
type Registry interface {
	IsTracked(name string) bool
	ApplyExternalUpdate(name, content string, mtime int64)
	ApplyExternalDeletion(name string)
	RefreshCommitted()
}

var _ Registry = (*registry.Registry)(nil)

// Detector watches root for filesystem changes and HEAD movement,
// translating both into Registry updates.
type Detector struct {
	root      string
	validator *pathvalidator.Validator
	gateway   *vcsgateway.Gateway
	reg       Registry
	logger    *log.Logger
	debug     bool

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	lastHead string
}

// New returns a Detector over root, using validator to translate
// filesystem paths to repository-relative names and gateway to
// resolve HEAD. debug gates verbose per-event tracing (see pkg/fuse's
// "if n.debug { log.Printf(...) }" habit).
func New(root string, validator *pathvalidator.Validator, gateway *vcsgateway.Gateway, reg Registry, logger *log.Logger, debug bool) *Detector {
	if logger == nil {
		logger = log.Default()
	}
	return &Detector{
		root:      root,
		validator: validator,
		gateway:   gateway,
		reg:       reg,
		logger:    logger,
		debug:     debug,
	}
}

// Start snapshots the current HEAD state and begins watching in the
// background. It is a no-op if already running.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}

	commitID, _, err := d.gateway.ResolveHead()
	if err != nil {
		d.mu.Unlock()
		return apperr.Wrap(apperr.IoError, d.root, err)
	}
	d.lastHead = commitID

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.mu.Unlock()
		return apperr.Wrap(apperr.IoError, d.root, err)
	}
	if err := addRecursive(watcher, d.root); err != nil {
		watcher.Close()
		d.mu.Unlock()
		return apperr.Wrap(apperr.IoError, d.root, err)
	}

	d.running = true
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx, watcher)
	return nil
}

// Stop cancels the background watch and waits for it to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, dirEntry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dirEntry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (d *Detector) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer func() {
		watcher.Close()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		close(d.doneCh)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.watchLoop(gctx, watcher)
		return nil
	})

	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	_ = g.Wait()
}

func (d *Detector) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			d.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("watch: fsnotify error: %v", err)
		}
	}
}

func (d *Detector) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	// A newly-created directory must itself be watched for the
	// recursive watch to stay complete.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				d.logger.Printf("watch: add new directory %s: %v", event.Name, err)
			}
		}
	}

	rel, ok := d.relativeName(event.Name)
	if !ok {
		return // outside the repository root
	}

	if d.isInternalPath(rel) {
		d.handleInternalEvent(rel)
		return
	}

	if !d.reg.IsTracked(rel) {
		return // untracked files produce no work
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		d.reg.ApplyExternalDeletion(rel)
	case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
		d.handleContentEvent(rel, event.Name)
	}
}

func (d *Detector) handleContentEvent(rel, absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		d.logger.Printf("watch: stat %s: %v", rel, err)
		return
	}

	if cached, tracked := d.snapshotMTime(rel); tracked && info.ModTime().UnixNano() == cached {
		if d.debug {
			d.logger.Printf("watch: drop spurious content event for %s, mtime unchanged", rel)
		}
		return // spurious notification, content unchanged
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		d.logger.Printf("watch: read %s: %v", rel, err)
		return
	}

	if d.debug {
		d.logger.Printf("watch: applying external update for %s (%d bytes)", rel, len(data))
	}
	d.reg.ApplyExternalUpdate(rel, string(data), info.ModTime().UnixNano())
}

func (d *Detector) snapshotMTime(rel string) (int64, bool) {
	type snapshotter interface {
		Snapshot(name string) (registry.Entry, bool)
	}
	if r, ok := d.reg.(snapshotter); ok {
		if e, ok := r.Snapshot(rel); ok {
			return e.MTime, true
		}
	}
	return 0, false
}

func (d *Detector) relativeName(absPath string) (string, bool) {
	rel, err := filepath.Rel(d.root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (d *Detector) isInternalPath(rel string) bool {
	return rel == ".git" || strings.HasPrefix(rel, ".git/")
}

// handleInternalEvent runs the HEAD-change procedure only when the
// changed path is the HEAD pointer file or the ref it currently
// tracks; every other path under .git is dropped.
func (d *Detector) handleInternalEvent(rel string) {
	if rel != ".git/HEAD" && !strings.HasPrefix(rel, ".git/refs/") {
		return
	}

	commitID, refPath, err := d.gateway.ResolveHead()
	if err != nil {
		d.logger.Printf("watch: resolve HEAD: %v", err)
		return
	}
	if rel != ".git/HEAD" {
		if refRel, ok := d.relativeName(refPath); !ok || refRel != rel {
			return // a ref other than the one HEAD tracks
		}
	}

	d.mu.Lock()
	unchanged := commitID == d.lastHead
	if !unchanged {
		d.lastHead = commitID
	}
	d.mu.Unlock()

	if unchanged {
		return
	}

	if d.debug {
		d.logger.Printf("watch: HEAD moved to %s, refreshing committed namespace", commitID)
	}
	d.reg.RefreshCommitted()
}
