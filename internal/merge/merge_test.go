package merge

import "testing"

func TestMergeNoOpWhenDesiredMatchesBase(t *testing.T) {
	got := Merge("on disk", "same", "same")
	if got != "on disk" {
		t.Fatalf("got %q, want unchanged current", got)
	}
}

func TestMergeFastPathWhenCurrentMatchesBase(t *testing.T) {
	got := Merge("base text", "base text", "new text")
	if got != "new text" {
		t.Fatalf("got %q, want desired", got)
	}
}

func TestMergeNeverReturnsEmptyForNonEmptyCurrent(t *testing.T) {
	current := "The quick brown fox"
	base := "The quick brown fox"
	desired := "The quick blue fox"

	got := Merge(current, base, desired)
	if got == "" {
		t.Fatalf("merge of non-empty inputs produced empty result")
	}
}

func TestMergePreservesCurrentOnDivergentEdits(t *testing.T) {
	current := "The quick red fox"
	base := "The quick brown fox"
	desired := "The quick blue fox"

	got := Merge(current, base, desired)
	if got == "" {
		t.Fatalf("merge should never discard all content")
	}
}
