// Package automerge computes and caches the synthetic merge-base commit of a true merge. The
// auto-merge is the result of merging a commit's parents with conflict markers left in place, so
// diffing the real merge against it shows only how the merge was resolved.
package automerge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/repo"
)

// RefPrefix is the namespace of persisted auto-merge commits.
const RefPrefix = "refs/cache-automerge/"

const defaultCacheSize = 1024

// ErrNotMerge is returned for commits with fewer than two parents.
var ErrNotMerge = errors.New("commit is not a merge")

// RefName returns the ref caching the auto-merge of commit.
func RefName(commit plumbing.Hash) string {
	s := commit.String()
	return RefPrefix + s[:2] + "/" + s[2:]
}

// Options configures a Cache.
type Options struct {
	// Size bounds the in-process memo.
	Size int
	// Persist writes computed auto-merges to their ref.
	Persist bool
	// Name and Email identify the auto-merge committer.
	Name   string
	Email  string
	Logger *zerolog.Logger
}

// Result describes the auto-merge of one merge commit.
type Result struct {
	Merge  plumbing.Hash
	Commit plumbing.Hash
	Tree   plumbing.Hash
	// Conflicts lists the paths written with conflict markers.
	Conflicts []string
	// Persisted is false when the ref could not be written; the commit object still exists.
	Persisted bool
}

// Cache memoizes auto-merge commits in memory and in refs. Writes are best-effort: a failed ref
// update is logged and the in-memory result is still returned.
type Cache struct {
	refs   repo.RefDatabase
	opts   Options
	memo   *lru.Cache[string, *Result]
	group  singleflight.Group
	logger zerolog.Logger
}

// New creates a cache backed by refs.
func New(refs repo.RefDatabase, opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = defaultCacheSize
	}
	if opts.Name == "" {
		opts.Name = "Code Review"
	}
	if opts.Email == "" {
		opts.Email = "noreply@gitsubmit.local"
	}
	memo, err := lru.New[string, *Result](opts.Size)
	if err != nil {
		return nil, err
	}
	logger := logging.Component("automerge")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Cache{refs: refs, opts: opts, memo: memo, logger: logger}, nil
}

func memoKey(project string, merge plumbing.Hash) string {
	return project + ":" + merge.String()
}

func message(merge plumbing.Hash) string {
	return "Auto-merge of " + merge.String() + "\n"
}

// Get returns the auto-merge of merge, reading the cached ref when it is valid and recomputing it
// otherwise.
func (c *Cache) Get(ctx context.Context, r *repo.Repository, merge plumbing.Hash) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mc, err := r.Commit(merge)
	if err != nil {
		return nil, err
	}
	if len(mc.ParentHashes) < 2 {
		return nil, fmt.Errorf("%w: %s", ErrNotMerge, merge)
	}

	key := memoKey(r.Name(), merge)
	if res, ok := c.memo.Get(key); ok {
		return res, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		res, err := c.load(ctx, r, mc)
		if err != nil {
			return nil, err
		}
		c.memo.Add(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (c *Cache) load(ctx context.Context, r *repo.Repository, mc *object.Commit) (*Result, error) {
	ref := RefName(mc.Hash)
	cached, err := repo.Lookup(ctx, c.refs, r.Name(), ref)
	if err != nil {
		c.logger.Warn().Err(err).Str("project", r.Name()).Str("ref", ref).Msg("read auto-merge ref")
		cached = plumbing.ZeroHash
	}
	if !cached.IsZero() {
		if res, ok := c.validate(r, mc, cached); ok {
			return res, nil
		}
		c.logger.Debug().Str("project", r.Name()).Str("merge", mc.Hash.String()).Msg("stale auto-merge ref, recomputing")
	}

	res, err := c.compute(r, mc)
	if err != nil {
		return nil, err
	}
	if !c.opts.Persist {
		return res, nil
	}
	err = c.refs.BatchUpdate(context.WithoutCancel(ctx), []repo.RefUpdate{{
		Project: r.Name(), Ref: ref, Old: cached, New: res.Commit,
	}})
	if err != nil {
		c.logger.Warn().Err(err).Str("project", r.Name()).Str("ref", ref).Msg("persist auto-merge failed")
		return res, nil
	}
	res.Persisted = true
	return res, nil
}

// validate accepts a cached commit only if it still describes the auto-merge of mc.
func (c *Cache) validate(r *repo.Repository, mc *object.Commit, cached plumbing.Hash) (*Result, bool) {
	ac, err := r.Commit(cached)
	if err != nil {
		return nil, false
	}
	if ac.Message != message(mc.Hash) || len(ac.ParentHashes) != len(mc.ParentHashes) {
		return nil, false
	}
	for i, p := range mc.ParentHashes {
		if ac.ParentHashes[i] != p {
			return nil, false
		}
	}
	return &Result{Merge: mc.Hash, Commit: cached, Tree: ac.TreeHash, Persisted: true}, true
}

// compute merges the parents left to right, keeping conflict markers.
func (c *Cache) compute(r *repo.Repository, mc *object.Commit) (*Result, error) {
	first := mc.ParentHashes[0]
	ours, err := r.TreeOf(first)
	if err != nil {
		return nil, err
	}
	conflicts := make(map[string]bool)
	for _, p := range mc.ParentHashes[1:] {
		base, err := r.MergeBase(first, p)
		if err != nil {
			return nil, err
		}
		baseTree, err := r.TreeOf(base)
		if err != nil {
			return nil, err
		}
		theirs, err := r.TreeOf(p)
		if err != nil {
			return nil, err
		}
		merged, err := r.MergeTrees(baseTree, ours, theirs, repo.MergeOptions{
			ContentMerge:    true,
			ConflictMarkers: true,
			OursLabel:       "HEAD",
			TheirsLabel:     "BRANCH",
		})
		if err != nil {
			return nil, fmt.Errorf("auto-merge %s: %w", mc.Hash, err)
		}
		ours = merged.Tree
		for _, path := range merged.Conflicts {
			conflicts[path] = true
		}
	}

	sig := repo.Signature(c.opts.Name, c.opts.Email, mc.Committer.When)
	h, err := r.WriteCommit(&object.Commit{
		TreeHash:     ours,
		Author:       sig,
		Committer:    sig,
		Message:      message(mc.Hash),
		ParentHashes: append([]plumbing.Hash(nil), mc.ParentHashes...),
	})
	if err != nil {
		return nil, err
	}
	res := &Result{Merge: mc.Hash, Commit: h, Tree: ours}
	for path := range conflicts {
		res.Conflicts = append(res.Conflicts, path)
	}
	sort.Strings(res.Conflicts)
	return res, nil
}

// Invalidate drops the memoized result so the next Get re-reads the ref.
func (c *Cache) Invalidate(project string, merge plumbing.Hash) {
	c.memo.Remove(memoKey(project, merge))
}

// Diff lists the paths where commit differs from its diff base.
type Diff struct {
	Commit plumbing.Hash
	// Base is the auto-merge for merges, the first parent otherwise, or zero for root commits.
	Base  plumbing.Hash
	Paths []string
}

// Diff compares commit against its diff base. For a merge this is the merge resolution.
func (c *Cache) Diff(ctx context.Context, r *repo.Repository, commit plumbing.Hash) (*Diff, error) {
	cm, err := r.Commit(commit)
	if err != nil {
		return nil, err
	}
	out := &Diff{Commit: commit}
	baseTree := plumbing.ZeroHash
	switch len(cm.ParentHashes) {
	case 0:
	case 1:
		out.Base = cm.ParentHashes[0]
		if baseTree, err = r.TreeOf(out.Base); err != nil {
			return nil, err
		}
	default:
		res, err := c.Get(ctx, r, commit)
		if err != nil {
			return nil, err
		}
		out.Base, baseTree = res.Commit, res.Tree
	}

	before, err := r.Flatten(baseTree)
	if err != nil {
		return nil, err
	}
	after, err := r.Flatten(cm.TreeHash)
	if err != nil {
		return nil, err
	}
	for path, e := range after {
		if b, ok := before[path]; !ok || b.Hash != e.Hash || b.Mode != e.Mode {
			out.Paths = append(out.Paths, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			out.Paths = append(out.Paths, path)
		}
	}
	sort.Strings(out.Paths)
	return out, nil
}
