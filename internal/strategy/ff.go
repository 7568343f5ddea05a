package strategy

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/niczy/gitsubmit/internal/models"
)

// FastForwardOnly moves the branch only when every commit already descends from the tip in a
// single line of history.
type FastForwardOnly struct{}

// Kind implements Strategy.
func (FastForwardOnly) Kind() models.SubmitType { return models.SubmitTypeFastForwardOnly }

// Apply implements Strategy.
func (s FastForwardOnly) Apply(ctx context.Context, in *Input) (*Result, error) {
	r, err := newRun(ctx, s.Kind(), in)
	if err != nil {
		return nil, err
	}
	var pending []*Candidate
	for _, c := range r.result.Order {
		if !r.done(c) {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return r.finish(), nil
	}

	// The topological order puts the only possible head last.
	head := pending[len(pending)-1]
	ok, err := r.arena.IsAncestor(in.Tip, head.Commit)
	if err != nil {
		return nil, err
	}
	if in.Tip.IsZero() {
		ok = true
	}
	for _, c := range pending[:len(pending)-1] {
		if !ok {
			break
		}
		if ok, err = r.arena.IsAncestor(c.Commit, head.Commit); err != nil {
			return nil, err
		}
	}

	for _, c := range pending {
		if ok {
			r.set(c, StatusFastForward, c.Commit)
		} else {
			r.set(c, StatusNotFastForward, plumbing.ZeroHash)
		}
	}
	if ok {
		r.tip.MoveTo(head.Commit)
	}
	return r.finish(), nil
}
