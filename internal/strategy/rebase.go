package strategy

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// Rebase re-parents each commit onto the running tip, keeping author and message. Without Always a
// commit whose parent already is the running tip lands unchanged. Merge commits are merged rather
// than rebased.
type Rebase struct {
	Always bool
}

// Kind implements Strategy.
func (s Rebase) Kind() models.SubmitType {
	if s.Always {
		return models.SubmitTypeRebaseAlways
	}
	return models.SubmitTypeRebaseIfNecessary
}

// Apply implements Strategy.
func (s Rebase) Apply(ctx context.Context, in *Input) (*Result, error) {
	r, err := newRun(ctx, s.Kind(), in)
	if err != nil {
		return nil, err
	}
	for _, c := range r.result.Order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.done(c) {
			continue
		}
		if err := s.applyOne(r, c); err != nil {
			return nil, err
		}
	}
	return r.finish(), nil
}

func (s Rebase) applyOne(r *run, c *Candidate) error {
	running := r.tip.Current()
	if running.IsZero() {
		r.tip.MoveTo(c.Commit)
		r.set(c, StatusFastForward, c.Commit)
		return nil
	}
	orig, err := r.in.Repo.Commit(c.Commit)
	if err != nil {
		return err
	}

	if len(orig.ParentHashes) > 1 {
		merged, err := r.mergeCommit(c.Commit, MergeMessage(r.in.Branch, []*Candidate{c}))
		if err != nil {
			return r.conflictOr(c, err)
		}
		r.tip.MoveTo(merged)
		r.set(c, StatusCleanMerge, c.Commit)
		return nil
	}

	parent := plumbing.ZeroHash
	if len(orig.ParentHashes) == 1 {
		parent = orig.ParentHashes[0]
	}
	if !s.Always && parent == running {
		r.tip.MoveTo(c.Commit)
		r.set(c, StatusFastForward, c.Commit)
		return nil
	}

	tree, err := r.threeWay(parent, running, c.Commit)
	if err != nil {
		return r.conflictOr(c, err)
	}
	rebased, err := r.write(&object.Commit{
		TreeHash:     tree,
		Author:       orig.Author,
		Committer:    r.in.Committer,
		Message:      orig.Message,
		ParentHashes: []plumbing.Hash{running},
	})
	if err != nil {
		return err
	}
	r.tip.MoveTo(rebased)
	r.set(c, StatusCleanRebase, rebased)
	return nil
}

// conflictOr records a content conflict for c and fails its descendants. Errors other than a
// content conflict are returned unchanged.
func (r *run) conflictOr(c *Candidate, err error) error {
	var conflict *repo.MergeConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	r.set(c, StatusPathConflict, plumbing.ZeroHash).Conflicts = conflict.Paths
	return r.failDescendants(c)
}
