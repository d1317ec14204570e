// Package registry implements the File Registry (spec §4.E, §3): a
// reference-counted map of open files spanning two disjoint
// namespaces — working-tree names and committed ("@"-prefixed) names
// resolved against the current git HEAD.
//
// Grounded on original_source's file_system.py File dataclass and its
// open_file/close_file/write_file/edit_file ref-counting logic;
// extended here with the namespace split and source-suppressed
// fan-out spec.md adds on top of that.
package registry

import (
	"os"
	"strings"
	"sync"

	"github.com/jra3/filesyncd/internal/apperr"
	"github.com/jra3/filesyncd/internal/atomicio"
	"github.com/jra3/filesyncd/internal/fanout"
	"github.com/jra3/filesyncd/internal/merge"
	"github.com/jra3/filesyncd/internal/pathvalidator"
	"github.com/jra3/filesyncd/internal/vcsgateway"
)

// committedPrefix is the sigil spec §3/§6 reserves for the committed
// namespace.
const committedPrefix = "@"

// Entry is the unit held by the Registry (spec §3's "File Entry").
// MTime is zero for committed entries, which carry no disk timestamp.
type Entry struct {
	Name     string
	Content  string
	RefCount int
	MTime    int64
}

// Registry is the central keyed store described by spec §4.E.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	validator *pathvalidator.Validator
	gateway   *vcsgateway.Gateway
	hub       *fanout.Hub
}

// New returns a Registry rooted at validator's repository, reading
// committed-namespace blobs through gateway and fanning out mutations
// through hub.
func New(validator *pathvalidator.Validator, gateway *vcsgateway.Gateway, hub *fanout.Hub) *Registry {
	return &Registry{
		entries:   make(map[string]*Entry),
		validator: validator,
		gateway:   gateway,
		hub:       hub,
	}
}

func isCommitted(name string) bool {
	return strings.HasPrefix(name, committedPrefix)
}

// Open resolves name (creating a cache entry on first open, or
// incrementing its ref_count if already open) and returns its
// content.
func (r *Registry) Open(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked(name)
}

func (r *Registry) openLocked(name string) (string, error) {
	if e, ok := r.entries[name]; ok {
		e.RefCount++
		return e.Content, nil
	}

	if isCommitted(name) {
		rel := strings.TrimPrefix(name, committedPrefix)
		if err := r.validator.Validate(rel); err != nil {
			return "", err
		}
		content, err := r.gateway.ReadBlob(rel, "HEAD")
		if err != nil {
			if kind, ok := apperr.KindOf(err); ok && kind == apperr.NotFoundInRevision {
				content = ""
			} else {
				return "", err
			}
		}
		r.entries[name] = &Entry{Name: name, Content: content, RefCount: 1, MTime: 0}
		return content, nil
	}

	absPath, err := r.validator.Resolve(name)
	if err != nil {
		return "", err
	}

	// Stat before read to avoid a read/stat race (spec §4.E).
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.Wrap(apperr.NotFound, name, err)
		}
		return "", apperr.Wrap(apperr.IoError, name, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return "", apperr.Wrap(apperr.IoError, name, err)
	}

	content := string(data)
	r.entries[name] = &Entry{Name: name, Content: content, RefCount: 1, MTime: info.ModTime().UnixNano()}
	return content, nil
}

// Close decrements name's ref_count, removing the entry at zero.
// Closing an unknown name is a silent no-op.
func (r *Registry) Close(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(name)
}

func (r *Registry) closeLocked(name string) {
	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.RefCount--
	if e.RefCount <= 0 {
		delete(r.entries, name)
	}
}

// Write reconciles base/desired against the cached content (merging
// if they diverge), writes the result atomically, updates the cache,
// invokes onWritten (if non-nil) with the persisted content and
// whether reconciling it actually required a three-way merge (base
// differed from both the cached content and desired, so neither of the
// fast paths merge.Merge short-circuits on applied), and only then fans the change
// out under source. onWritten runs before the fan-out so a caller
// sending its own direct reply from inside it is guaranteed that reply
// precedes any file_updated this write triggers for other subscribers
// (spec §5). Both onWritten and the fan-out run after r.mu is released,
// matching ApplyExternalUpdate/ApplyExternalDeletion: neither one needs
// the registry lock, and holding it across their blocking client sends
// would stall every other session's Open/Write/Close on one slow peer.
// The committed namespace is read-only to clients.
func (r *Registry) Write(name, base, desired string, source *fanout.Source, onWritten func(content string, merged bool)) (string, error) {
	if isCommitted(name) {
		return "", apperr.New(apperr.InvalidPath, "committed namespace is read-only")
	}

	written, merged, err := r.reconcileAndPersist(name, base, desired)
	if err != nil {
		return "", err
	}

	if onWritten != nil {
		onWritten(written, merged)
	}

	r.hub.Notify(name, written, source)
	return written, nil
}

// reconcileAndPersist does the locked portion of Write: merge against
// the cached content, write the result atomically, and update the
// cache. It returns before any fan-out or caller callback runs.
func (r *Registry) reconcileAndPersist(name, base, desired string) (written string, merged bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	absPath, err := r.validator.Resolve(name)
	if err != nil {
		return "", false, err
	}

	current, err := r.openLocked(name)
	opened := err == nil
	if err != nil {
		if kind, ok := apperr.KindOf(err); !ok || kind != apperr.NotFound {
			return "", false, err
		}
		current = "" // treat a missing working file as empty
	}

	merged = base != current && base != desired
	written = merge.Merge(current, base, desired)

	mtime, err := atomicio.Write(absPath, written)
	if err != nil {
		if opened {
			r.closeLocked(name)
		}
		return "", false, err
	}

	if opened {
		e := r.entries[name]
		e.Content = written
		e.MTime = mtime
		r.closeLocked(name)
	}

	return written, merged, nil
}

// Edit applies f to name's current content (open -> f -> atomic-write
// -> update cache -> close -> fan-out), with the engine itself as the
// implicit, suppression-free origin.
func (r *Registry) Edit(name string, f func(string) string) error {
	if isCommitted(name) {
		return apperr.New(apperr.InvalidPath, "committed namespace is read-only")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	absPath, err := r.validator.Resolve(name)
	if err != nil {
		return err
	}

	content, err := r.openLocked(name)
	if err != nil {
		return err
	}

	newContent := f(content)
	mtime, err := atomicio.Write(absPath, newContent)
	if err != nil {
		r.closeLocked(name)
		return err
	}

	e := r.entries[name]
	e.Content = newContent
	e.MTime = mtime
	r.closeLocked(name)

	r.hub.Notify(name, newContent, nil)
	return nil
}

// IsTracked reports whether name currently has a live cache entry —
// used by the Change Detector to drop events for untracked files
// (spec §4.F's coalescing rule).
func (r *Registry) IsTracked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[name]
	return ok
}

// Snapshot returns a copy of name's cached entry, if any.
func (r *Registry) Snapshot(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ApplyExternalUpdate updates a tracked working-tree entry's cached
// content/mtime in response to an external filesystem change and fans
// the new content out with a nil source (every handle is notified).
// It is a no-op if name is not tracked.
func (r *Registry) ApplyExternalUpdate(name, content string, mtime int64) {
	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		e.Content = content
		e.MTime = mtime
	}
	r.mu.Unlock()

	if ok {
		r.hub.Notify(name, content, nil)
	}
}

// ApplyExternalDeletion evicts a tracked working-tree entry following
// an external delete, fanning out empty content. No-op if untracked.
func (r *Registry) ApplyExternalDeletion(name string) {
	r.mu.Lock()
	_, ok := r.entries[name]
	if ok {
		delete(r.entries, name)
	}
	r.mu.Unlock()

	if ok {
		r.hub.Notify(name, "", nil)
	}
}

// RefreshCommitted re-reads every tracked committed-namespace entry
// against the current HEAD, updating and fanning out the ones whose
// content changed. Called by the Change Detector once it observes the
// HEAD pointer (or its ref file) change (spec §4.F's HEAD-change
// procedure).
func (r *Registry) RefreshCommitted() {
	r.mu.Lock()
	type changed struct{ name, content string }
	var toNotify []changed
	for name, e := range r.entries {
		if !isCommitted(name) {
			continue
		}
		rel := strings.TrimPrefix(name, committedPrefix)
		content, err := r.gateway.ReadBlob(rel, "HEAD")
		if err != nil {
			if kind, ok := apperr.KindOf(err); ok && kind == apperr.NotFoundInRevision {
				content = ""
			} else {
				continue
			}
		}
		if content != e.Content {
			e.Content = content
			toNotify = append(toNotify, changed{name, content})
		}
	}
	r.mu.Unlock()

	for _, c := range toNotify {
		r.hub.Notify(c.name, c.content, nil)
	}
}
