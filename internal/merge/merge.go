// Package merge implements the three-way textual merge spec §4.C
// specifies: patches are computed from base -> desired and applied to
// current, discarding any hunk that fails to match. The original
// Python implementation this system is based on punted on merging
// entirely ("Simple conflict resolution... this will be improved with
// diff-match-patch" — see original_source's file_system.py); this is
// that improvement, built against the Go port of the same library the
// comment named.
package merge

import (
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Merge reconciles current (what's on disk now) with a client's edit
// that diverged from base (what the client last saw) to desired (what
// the client wants). The contract is fail-safe toward the disk state:
// on any library failure, current is returned unchanged rather than
// risking data loss (spec §4.C, §8 scenario 5).
func Merge(current, base, desired string) string {
	if base == desired {
		return current
	}
	if base == current {
		return desired
	}

	merged, ok := apply(current, base, desired)
	if !ok {
		return current
	}
	return merged
}

func apply(current, base, desired string) (result string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			result, ok = "", false
		}
	}()

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(base, desired)
	if len(patches) == 0 {
		return current, true
	}

	merged, _ := dmp.PatchApply(patches, current)
	return merged, true
}
