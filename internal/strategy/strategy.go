// Package strategy implements the submit strategies: the merge-shape algorithms that turn an
// ordered set of approved commits and a branch tip into a new branch tip.
//
// Strategies only shape history. They know nothing about implicit-merge policy, submodules or ref
// updates; the coordinator applies the Result.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/niczy/gitsubmit/internal/graph"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// Status is the per-commit outcome of a strategy run.
type Status string

const (
	StatusCleanMerge           Status = "CLEAN_MERGE"
	StatusCleanRebase          Status = "CLEAN_REBASE"
	StatusCleanPick            Status = "CLEAN_PICK"
	StatusFastForward          Status = "FAST_FORWARD"
	StatusAlreadyMerged        Status = "ALREADY_MERGED"
	StatusSkippedIdenticalTree Status = "SKIPPED_IDENTICAL_TREE"
	StatusPathConflict         Status = "PATH_CONFLICT"
	StatusNotFastForward       Status = "NOT_FAST_FORWARD"
	StatusMissingDependency    Status = "MISSING_DEPENDENCY"
)

// Failed reports whether the commit could not be integrated.
func (s Status) Failed() bool {
	switch s {
	case StatusPathConflict, StatusNotFastForward, StatusMissingDependency:
		return true
	}
	return false
}

// Candidate is one approved change commit offered to a strategy.
type Candidate struct {
	ChangeID  string
	Key       string
	Project   string
	Topic     string
	Commit    plumbing.Hash
	Subject   string
	PatchSet  int
	CreatedAt time.Time
}

// MergeBaseHint is a merge base computed ahead of time for Tip. It is ignored once the running tip
// has moved away from Tip.
type MergeBaseHint struct {
	Tip  plumbing.Hash
	Base plumbing.Hash
}

// Input is everything a strategy needs for one branch.
type Input struct {
	Repo   *repo.Repository
	Branch string
	// Tip is the branch tip at the start of the run. The zero hash is an unborn branch.
	Tip           plumbing.Hash
	Candidates    []*Candidate
	MergeBaseHint *MergeBaseHint
	// Committer is the server identity; its time stamps every commit the run creates.
	Committer object.Signature
	// Submitter authors merge commits.
	Submitter    object.Signature
	ContentMerge bool
	// ReviewURL is the canonical web URL used for Reviewed-on footers. Empty disables footers.
	ReviewURL string
}

// CommitResult is the fate of one candidate.
type CommitResult struct {
	Candidate *Candidate
	Status    Status
	// Resulting is the commit that carries the change on the branch: the change commit itself for
	// merges and fast-forwards, the rewritten commit for rebases and cherry-picks.
	Resulting plumbing.Hash
	Conflicts []string
}

// Result is the outcome of a strategy run.
type Result struct {
	Kind   models.SubmitType
	NewTip plumbing.Hash
	// Order is the candidates in the order they were applied.
	Order   []*Candidate
	Commits map[plumbing.Hash]*CommitResult
	// Created lists commits written by the run, oldest first.
	Created []plumbing.Hash
}

// Failed returns the failed commit results in application order.
func (r *Result) Failed() []*CommitResult {
	var out []*CommitResult
	for _, c := range r.Order {
		if cr := r.Commits[c.Commit]; cr != nil && cr.Status.Failed() {
			out = append(out, cr)
		}
	}
	return out
}

// Changed reports whether the run moved the branch.
func (r *Result) Changed(oldTip plumbing.Hash) bool {
	return r.NewTip != oldTip
}

// Strategy produces a new branch tip from approved commits.
type Strategy interface {
	Kind() models.SubmitType
	Apply(ctx context.Context, in *Input) (*Result, error)
}

// For returns the strategy implementing kind.
func For(kind models.SubmitType) (Strategy, error) {
	switch kind {
	case models.SubmitTypeFastForwardOnly:
		return FastForwardOnly{}, nil
	case models.SubmitTypeMergeIfNecessary, models.SubmitTypeInherit:
		return Merge{Always: false}, nil
	case models.SubmitTypeMergeAlways:
		return Merge{Always: true}, nil
	case models.SubmitTypeRebaseIfNecessary:
		return Rebase{Always: false}, nil
	case models.SubmitTypeRebaseAlways:
		return Rebase{Always: true}, nil
	case models.SubmitTypeCherryPick:
		return CherryPick{}, nil
	}
	return nil, fmt.Errorf("unsupported submit type %s", kind)
}

// MergeTip is the running branch tip during a strategy run.
type MergeTip struct {
	initial plumbing.Hash
	current plumbing.Hash
}

// NewMergeTip starts a cursor at the branch tip.
func NewMergeTip(initial plumbing.Hash) *MergeTip {
	return &MergeTip{initial: initial, current: initial}
}

// Initial returns the tip at the start of the run.
func (m *MergeTip) Initial() plumbing.Hash { return m.initial }

// Current returns the running tip.
func (m *MergeTip) Current() plumbing.Hash { return m.current }

// MoveTo advances the running tip.
func (m *MergeTip) MoveTo(h plumbing.Hash) { m.current = h }

// run is the state shared by every strategy implementation.
type run struct {
	in      *Input
	arena   *graph.CommitArena
	tip     *MergeTip
	result  *Result
	hintUse bool
}

func newRun(ctx context.Context, kind models.SubmitType, in *Input) (*run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Repo == nil {
		return nil, fmt.Errorf("strategy input has no repository")
	}
	a := in.Repo.Arena()
	commits := make([]plumbing.Hash, 0, len(in.Candidates))
	for _, c := range in.Candidates {
		commits = append(commits, c.Commit)
	}
	onTip, err := a.Contains(in.Tip, commits)
	if err != nil {
		return nil, err
	}
	order, err := Sort(a, in.Candidates)
	if err != nil {
		return nil, err
	}
	r := &run{
		in:    in,
		arena: a,
		tip:   NewMergeTip(in.Tip),
		result: &Result{
			Kind:    kind,
			Order:   order,
			Commits: make(map[plumbing.Hash]*CommitResult, len(order)),
		},
	}
	for _, c := range order {
		if onTip.Has(a.ID(c.Commit)) {
			r.set(c, StatusAlreadyMerged, c.Commit)
		}
	}
	return r, nil
}

func (r *run) set(c *Candidate, status Status, resulting plumbing.Hash) *CommitResult {
	cr := &CommitResult{Candidate: c, Status: status, Resulting: resulting}
	r.result.Commits[c.Commit] = cr
	return cr
}

func (r *run) done(c *Candidate) bool {
	_, ok := r.result.Commits[c.Commit]
	return ok
}

func (r *run) finish() *Result {
	r.result.NewTip = r.tip.Current()
	return r.result
}

// failDescendants marks pending candidates that build on a failed commit.
func (r *run) failDescendants(failed *Candidate) error {
	for _, c := range r.result.Order {
		if r.done(c) {
			continue
		}
		below, err := r.arena.IsAncestor(failed.Commit, c.Commit)
		if err != nil {
			return err
		}
		if below {
			r.set(c, StatusMissingDependency, plumbing.ZeroHash)
		}
	}
	return nil
}

// mergeBase returns the base for merging commit into the running tip, honoring the hint for the
// first merge while the tip has not moved.
func (r *run) mergeBase(running, commit plumbing.Hash) (plumbing.Hash, error) {
	if h := r.in.MergeBaseHint; h != nil && !r.hintUse && h.Tip == running {
		r.hintUse = true
		return h.Base, nil
	}
	r.hintUse = true
	return r.in.Repo.MergeBase(running, commit)
}

// mergeCommit three-way merges commit into the running tip and writes a two-parent merge commit.
// A content conflict returns a *repo.MergeConflictError.
func (r *run) mergeCommit(commit plumbing.Hash, message string) (plumbing.Hash, error) {
	running := r.tip.Current()
	base, err := r.mergeBase(running, commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	tree, err := r.threeWay(base, running, commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return r.write(&object.Commit{
		TreeHash:     tree,
		Author:       r.in.Submitter,
		Committer:    r.in.Committer,
		Message:      message,
		ParentHashes: []plumbing.Hash{running, commit},
	})
}

// threeWay merges the trees of the given commits. A zero base is the empty tree.
func (r *run) threeWay(base, ours, theirs plumbing.Hash) (plumbing.Hash, error) {
	rp := r.in.Repo
	baseTree, err := rp.TreeOf(base)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	ourTree, err := rp.TreeOf(ours)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	theirTree, err := rp.TreeOf(theirs)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	res, err := rp.MergeTrees(baseTree, ourTree, theirTree, repo.MergeOptions{ContentMerge: r.in.ContentMerge})
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return res.Tree, nil
}

func (r *run) write(c *object.Commit) (plumbing.Hash, error) {
	h, err := r.in.Repo.WriteCommit(c)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	r.result.Created = append(r.result.Created, h)
	return h, nil
}

// Sort orders candidates so that every commit comes after its ancestors. Unrelated commits are
// ordered by creation time, then change id.
func Sort(a *graph.CommitArena, cands []*Candidate) ([]*Candidate, error) {
	n := len(cands)
	succ := make([][]int, n)
	indeg := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j || cands[i].Commit == cands[j].Commit {
				continue
			}
			anc, err := a.IsAncestor(cands[i].Commit, cands[j].Commit)
			if err != nil {
				return nil, err
			}
			if anc {
				succ[i] = append(succ[i], j)
				indeg[j]++
			}
		}
	}

	var ready []int
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]*Candidate, 0, n)
	for len(ready) > 0 {
		sort.Slice(ready, func(x, y int) bool { return less(cands[ready[x]], cands[ready[y]]) })
		i := ready[0]
		ready = ready[1:]
		out = append(out, cands[i])
		for _, j := range succ[i] {
			indeg[j]--
			if indeg[j] == 0 {
				ready = append(ready, j)
			}
		}
	}
	return out, nil
}

func less(a, b *Candidate) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if len(a.ChangeID) != len(b.ChangeID) {
		return len(a.ChangeID) < len(b.ChangeID)
	}
	return a.ChangeID < b.ChangeID
}
