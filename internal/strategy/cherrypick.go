package strategy

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// CherryPick applies each commit's own diff onto the running tip as a new single-parent commit.
// A conflict fails only that change.
type CherryPick struct{}

// Kind implements Strategy.
func (CherryPick) Kind() models.SubmitType { return models.SubmitTypeCherryPick }

// Apply implements Strategy.
func (s CherryPick) Apply(ctx context.Context, in *Input) (*Result, error) {
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
		if err := s.pick(r, c); err != nil {
			return nil, err
		}
	}
	return r.finish(), nil
}

func (s CherryPick) pick(r *run, c *Candidate) error {
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
		// A merge can only be kept when everything it merges is already on the branch.
		for _, p := range orig.ParentHashes {
			ok, err := r.arena.IsAncestor(p, running)
			if err != nil {
				return err
			}
			if !ok {
				r.set(c, StatusMissingDependency, plumbing.ZeroHash)
				return nil
			}
		}
		merged, err := r.mergeCommit(c.Commit, MergeMessage(r.in.Branch, []*Candidate{c}))
		if err != nil {
			return r.conflictOnly(c, err)
		}
		r.tip.MoveTo(merged)
		r.set(c, StatusCleanMerge, c.Commit)
		return nil
	}

	parent := plumbing.ZeroHash
	if len(orig.ParentHashes) == 1 {
		parent = orig.ParentHashes[0]
	}
	tree, err := r.threeWay(parent, running, c.Commit)
	if err != nil {
		return r.conflictOnly(c, err)
	}
	runningTree, err := r.in.Repo.TreeOf(running)
	if err != nil {
		return err
	}
	if tree == runningTree {
		r.set(c, StatusSkippedIdenticalTree, running)
		return nil
	}

	picked, err := r.write(&object.Commit{
		TreeHash:     tree,
		Author:       orig.Author,
		Committer:    r.in.Committer,
		Message:      withReviewedOn(orig.Message, r.in.ReviewURL, c),
		ParentHashes: []plumbing.Hash{running},
	})
	if err != nil {
		return err
	}
	r.tip.MoveTo(picked)
	r.set(c, StatusCleanPick, picked)
	return nil
}

// conflictOnly records a content conflict for c alone; later picks are still attempted.
func (r *run) conflictOnly(c *Candidate, err error) error {
	var conflict *repo.MergeConflictError
	if !errors.As(err, &conflict) {
		return err
	}
	r.set(c, StatusPathConflict, plumbing.ZeroHash).Conflicts = conflict.Paths
	return nil
}
