package repo

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// MergeOptions controls a three-way tree merge.
type MergeOptions struct {
	// ContentMerge enables line-level merging of files changed on both sides.
	ContentMerge bool
	// ConflictMarkers writes conflicting files with conflict markers instead of failing.
	ConflictMarkers bool
	OursLabel       string
	TheirsLabel     string
}

// MergeConflictError lists the paths that could not be merged.
type MergeConflictError struct {
	Paths []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict in %s", strings.Join(e.Paths, ", "))
}

// MergeResult is the outcome of MergeTrees. Conflicts is non-empty only with ConflictMarkers.
type MergeResult struct {
	Tree      plumbing.Hash
	Conflicts []string
}

// MergeTrees merges the changes from base to theirs into ours. Zero hashes stand for the empty
// tree. Without ConflictMarkers any conflict returns a *MergeConflictError.
func (r *Repository) MergeTrees(base, ours, theirs plumbing.Hash, opts MergeOptions) (*MergeResult, error) {
	if ours == theirs || base == theirs {
		return &MergeResult{Tree: r.normalizeTree(ours)}, nil
	}
	if base == ours {
		return &MergeResult{Tree: r.normalizeTree(theirs)}, nil
	}

	baseEntries, err := r.Flatten(base)
	if err != nil {
		return nil, err
	}
	ourEntries, err := r.Flatten(ours)
	if err != nil {
		return nil, err
	}
	theirEntries, err := r.Flatten(theirs)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]struct{}, len(ourEntries)+len(theirEntries))
	for _, m := range []map[string]object.TreeEntry{baseEntries, ourEntries, theirEntries} {
		for p := range m {
			paths[p] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(paths))
	for p := range paths {
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	result := make(map[string]object.TreeEntry, len(sorted))
	var conflicts []string
	for _, p := range sorted {
		b, hasB := baseEntries[p]
		o, hasO := ourEntries[p]
		t, hasT := theirEntries[p]

		switch {
		case sameEntry(o, hasO, t, hasT):
			if hasO {
				result[p] = o
			}
		case sameEntry(b, hasB, o, hasO):
			if hasT {
				result[p] = t
			}
		case sameEntry(b, hasB, t, hasT):
			if hasO {
				result[p] = o
			}
		default:
			merged, ok, err := r.mergeEntry(p, b, hasB, o, hasO, t, hasT, opts)
			if err != nil {
				return nil, err
			}
			if !ok {
				conflicts = append(conflicts, p)
				if !opts.ConflictMarkers {
					continue
				}
			}
			if merged != nil {
				result[p] = *merged
			}
		}
	}

	conflicts = append(conflicts, directoryFileConflicts(result)...)
	if len(conflicts) > 0 && !opts.ConflictMarkers {
		sort.Strings(conflicts)
		return nil, &MergeConflictError{Paths: dedupe(conflicts)}
	}
	if len(conflicts) > 0 {
		for _, p := range directoryFileConflicts(result) {
			delete(result, p)
		}
	}

	tree, err := r.WriteTree(result)
	if err != nil {
		return nil, err
	}
	sort.Strings(conflicts)
	return &MergeResult{Tree: tree, Conflicts: dedupe(conflicts)}, nil
}

// mergeEntry resolves a path changed differently on both sides. It returns ok=false on conflict;
// with conflict markers the returned entry holds the marked-up content when one could be built.
func (r *Repository) mergeEntry(path string, b object.TreeEntry, hasB bool, o object.TreeEntry, hasO bool, t object.TreeEntry, hasT bool, opts MergeOptions) (*object.TreeEntry, bool, error) {
	if !hasO || !hasT || !isRegular(o.Mode) || !isRegular(t.Mode) || o.Mode != t.Mode {
		if opts.ConflictMarkers && hasO {
			copyO := o
			return &copyO, false, nil
		}
		return nil, false, nil
	}
	if hasB && !isRegular(b.Mode) {
		hasB = false
	}
	if !opts.ContentMerge && !opts.ConflictMarkers {
		return nil, false, nil
	}

	var baseContent []byte
	if hasB {
		content, err := r.ReadBlob(b.Hash)
		if err != nil {
			return nil, false, err
		}
		baseContent = content
	}
	ourContent, err := r.ReadBlob(o.Hash)
	if err != nil {
		return nil, false, err
	}
	theirContent, err := r.ReadBlob(t.Hash)
	if err != nil {
		return nil, false, err
	}
	if isBinary(baseContent) || isBinary(ourContent) || isBinary(theirContent) {
		copyO := o
		return &copyO, false, nil
	}

	useMarkers := opts.ConflictMarkers
	if !opts.ContentMerge {
		// Markers were requested without content merging: render the whole file as one conflict.
		var sb strings.Builder
		writeConflict(&sb, string(ourContent), string(theirContent), labelOr(opts.OursLabel, "ours"), labelOr(opts.TheirsLabel, "theirs"))
		h, err := r.WriteBlob([]byte(sb.String()))
		if err != nil {
			return nil, false, err
		}
		return &object.TreeEntry{Name: path, Mode: o.Mode, Hash: h}, false, nil
	}

	merged, conflict := mergeText(string(baseContent), string(ourContent), string(theirContent), useMarkers,
		labelOr(opts.OursLabel, "ours"), labelOr(opts.TheirsLabel, "theirs"))
	if conflict && !useMarkers {
		return nil, false, nil
	}
	h, err := r.WriteBlob([]byte(merged))
	if err != nil {
		return nil, false, err
	}
	return &object.TreeEntry{Name: path, Mode: o.Mode, Hash: h}, !conflict, nil
}

// normalizeTree turns the zero hash into the stored empty tree so results are always real trees.
func (r *Repository) normalizeTree(h plumbing.Hash) plumbing.Hash {
	if !h.IsZero() {
		return h
	}
	empty, err := r.WriteTree(nil)
	if err != nil {
		return h
	}
	return empty
}

func sameEntry(a object.TreeEntry, hasA bool, b object.TreeEntry, hasB bool) bool {
	if hasA != hasB {
		return false
	}
	if !hasA {
		return true
	}
	return a.Hash == b.Hash && a.Mode == b.Mode
}

func isRegular(m filemode.FileMode) bool {
	return m == filemode.Regular || m == filemode.Executable || m == filemode.Deprecated
}

// directoryFileConflicts returns file paths that are also used as a directory by another path.
func directoryFileConflicts(entries map[string]object.TreeEntry) []string {
	var out []string
	for p := range entries {
		for dir := parentDir(p); dir != ""; dir = parentDir(dir) {
			if _, ok := entries[dir]; ok {
				out = append(out, dir)
			}
		}
	}
	return out
}

func parentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func dedupe(in []string) []string {
	out := in[:0]
	var last string
	for i, s := range in {
		if i > 0 && s == last {
			continue
		}
		out = append(out, s)
		last = s
	}
	return out
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}
