// Package graph holds index-based graph structures used for reachability and cycle checks.
//
// Commits are interned into a CommitArena and addressed by NodeID, so walks use a frontier slice
// and a bitset instead of pointer-linked commit objects.
package graph

import (
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
)

// NodeID indexes a commit within a CommitArena.
type NodeID int32

// ParentFunc loads the parent hashes of a commit.
type ParentFunc func(plumbing.Hash) ([]plumbing.Hash, error)

// CommitArena interns commit hashes and lazily loads their parent links.
// It is not safe for concurrent use; create one per operation.
type CommitArena struct {
	load    ParentFunc
	index   map[plumbing.Hash]NodeID
	hashes  []plumbing.Hash
	parents [][]NodeID
	loaded  []bool
	gens    []uint32

	genCache GenerationCache
}

// NewCommitArena creates an arena backed by the given parent loader.
func NewCommitArena(load ParentFunc, opts ...ArenaOption) *CommitArena {
	a := &CommitArena{
		load:  load,
		index: make(map[plumbing.Hash]NodeID),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID interns a hash and returns its node id.
func (a *CommitArena) ID(h plumbing.Hash) NodeID {
	if id, ok := a.index[h]; ok {
		return id
	}
	id := NodeID(len(a.hashes))
	a.index[h] = id
	a.hashes = append(a.hashes, h)
	a.parents = append(a.parents, nil)
	a.loaded = append(a.loaded, false)
	a.gens = append(a.gens, 0)
	return id
}

// Hash returns the commit hash of a node.
func (a *CommitArena) Hash(id NodeID) plumbing.Hash {
	return a.hashes[id]
}

// Len returns the number of interned commits.
func (a *CommitArena) Len() int {
	return len(a.hashes)
}

// Parents returns the parent node ids of a node, loading them on first use.
func (a *CommitArena) Parents(id NodeID) ([]NodeID, error) {
	if a.loaded[id] {
		return a.parents[id], nil
	}
	hashes, err := a.load(a.hashes[id])
	if err != nil {
		return nil, fmt.Errorf("load parents of %s: %w", a.hashes[id], err)
	}
	ids := make([]NodeID, 0, len(hashes))
	for _, h := range hashes {
		ids = append(ids, a.ID(h))
	}
	a.parents[id] = ids
	a.loaded[id] = true
	return ids, nil
}

// ParentHashes returns the parent hashes of a commit.
func (a *CommitArena) ParentHashes(h plumbing.Hash) ([]plumbing.Hash, error) {
	ids, err := a.Parents(a.ID(h))
	if err != nil {
		return nil, err
	}
	out := make([]plumbing.Hash, len(ids))
	for i, id := range ids {
		out[i] = a.hashes[id]
	}
	return out, nil
}

// Introduced returns the commits reachable from starts but not from any of excluded, ordered by
// node id (first-seen order within the arena).
func (a *CommitArena) Introduced(starts, excluded []plumbing.Hash) ([]plumbing.Hash, error) {
	fresh, err := a.paintExcluded(starts, excluded)
	if err != nil {
		return nil, err
	}
	out := make([]plumbing.Hash, 0, fresh.Len())
	fresh.ForEach(func(id NodeID) {
		out = append(out, a.hashes[id])
	})
	return out, nil
}

// Contains returns the nodes of hashes that are reachable from tip.
func (a *CommitArena) Contains(tip plumbing.Hash, hashes []plumbing.Hash) (*Set, error) {
	out := NewSet()
	if tip.IsZero() || len(hashes) == 0 {
		return out, nil
	}
	fresh, err := a.paintExcluded(hashes, []plumbing.Hash{tip})
	if err != nil {
		return nil, err
	}
	for _, h := range hashes {
		if h.IsZero() {
			continue
		}
		if id := a.ID(h); !fresh.Has(id) {
			out.Add(id)
		}
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant. A commit is its own ancestor.
// The walk skips commits whose generation is below the ancestor's.
func (a *CommitArena) IsAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	if ancestor.IsZero() || descendant.IsZero() {
		return false, nil
	}
	if ancestor == descendant {
		return true, nil
	}
	target := a.ID(ancestor)
	floor, err := a.Generation(target)
	if err != nil {
		return false, err
	}
	start := a.ID(descendant)
	if g, err := a.Generation(start); err != nil || g <= floor {
		return false, err
	}
	seen := NewSet()
	seen.Add(start)
	frontier := []NodeID{start}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		parents, err := a.Parents(id)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			if p == target {
				return true, nil
			}
			if !seen.Add(p) {
				continue
			}
			g, err := a.Generation(p)
			if err != nil {
				return false, err
			}
			if g > floor {
				frontier = append(frontier, p)
			}
		}
	}
	return false, nil
}

// ReachableAbove returns the nodes reachable from starts whose generation is at least floor. A
// floor of 1 yields the full history.
func (a *CommitArena) ReachableAbove(floor uint32, starts ...plumbing.Hash) (*Set, error) {
	seen := NewSet()
	var frontier []NodeID
	visit := func(id NodeID) error {
		g, err := a.Generation(id)
		if err != nil {
			return err
		}
		if g >= floor && seen.Add(id) {
			frontier = append(frontier, id)
		}
		return nil
	}
	for _, h := range starts {
		if h.IsZero() {
			continue
		}
		if err := visit(a.ID(h)); err != nil {
			return nil, err
		}
	}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		parents, err := a.Parents(id)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if err := visit(p); err != nil {
				return nil, err
			}
		}
	}
	return seen, nil
}

// MergeBases returns the best common ancestors of x and y: common ancestors that are not
// themselves ancestors of another common ancestor.
func (a *CommitArena) MergeBases(x, y plumbing.Hash) ([]plumbing.Hash, error) {
	if x.IsZero() || y.IsZero() {
		return nil, nil
	}
	ids, err := a.paintCommon(x, y)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	bases := make([]plumbing.Hash, len(ids))
	for i, id := range ids {
		bases[i] = a.hashes[id]
	}
	return bases, nil
}
