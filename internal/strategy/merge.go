package strategy

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// Merge integrates each chain of commits with one merge commit. Unless Always is set, a chain that
// already descends from the tip is fast-forwarded instead. An unborn branch is always
// fast-forwarded.
type Merge struct {
	Always bool
}

// Kind implements Strategy.
func (s Merge) Kind() models.SubmitType {
	if s.Always {
		return models.SubmitTypeMergeAlways
	}
	return models.SubmitTypeMergeIfNecessary
}

// Apply implements Strategy.
func (s Merge) Apply(ctx context.Context, in *Input) (*Result, error) {
	r, err := newRun(ctx, s.Kind(), in)
	if err != nil {
		return nil, err
	}
	heads, err := r.heads()
	if err != nil {
		return nil, err
	}
	for _, head := range heads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.done(head) {
			continue
		}
		chain, err := r.chainOf(head)
		if err != nil {
			return nil, err
		}
		if err := s.mergeChain(r, head, chain); err != nil {
			return nil, err
		}
	}
	return r.finish(), nil
}

func (s Merge) mergeChain(r *run, head *Candidate, chain []*Candidate) error {
	running := r.tip.Current()
	if running.IsZero() {
		r.tip.MoveTo(head.Commit)
		r.setAll(chain, StatusFastForward)
		return nil
	}
	if !s.Always {
		ff, err := r.arena.IsAncestor(running, head.Commit)
		if err != nil {
			return err
		}
		if ff {
			r.tip.MoveTo(head.Commit)
			r.setAll(chain, StatusFastForward)
			return nil
		}
	}

	merged, err := r.mergeCommit(head.Commit, MergeMessage(r.in.Branch, chain))
	var conflict *repo.MergeConflictError
	if errors.As(err, &conflict) {
		for _, c := range chain {
			r.set(c, StatusPathConflict, plumbing.ZeroHash).Conflicts = conflict.Paths
		}
		return r.failDescendants(head)
	}
	if err != nil {
		return err
	}
	r.tip.MoveTo(merged)
	r.setAll(chain, StatusCleanMerge)
	return nil
}

// setAll records status for commits that land as themselves.
func (r *run) setAll(chain []*Candidate, status Status) {
	for _, c := range chain {
		r.set(c, status, c.Commit)
	}
}

// heads returns the pending candidates that are not ancestors of another pending candidate.
func (r *run) heads() ([]*Candidate, error) {
	var out []*Candidate
	for i, c := range r.result.Order {
		if r.done(c) {
			continue
		}
		covered := false
		for _, other := range r.result.Order[i+1:] {
			if r.done(other) || other.Commit == c.Commit {
				continue
			}
			anc, err := r.arena.IsAncestor(c.Commit, other.Commit)
			if err != nil {
				return nil, err
			}
			if anc {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, c)
		}
	}
	return out, nil
}

// chainOf returns the pending candidates reachable from head, head last.
func (r *run) chainOf(head *Candidate) ([]*Candidate, error) {
	var out []*Candidate
	for _, c := range r.result.Order {
		if r.done(c) {
			continue
		}
		anc, err := r.arena.IsAncestor(c.Commit, head.Commit)
		if err != nil {
			return nil, err
		}
		if anc {
			out = append(out, c)
		}
	}
	return out, nil
}
