// Package implicitmerge detects submissions that would bring unreviewed history from another branch
// into the target branch without an explicit merge.
package implicitmerge

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"

	"github.com/niczy/gitsubmit/internal/graph"
	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// Policy holds the server-wide implicit merge flags. They combine: Check only logs, Reject rejects
// on projects that set rejectImplicitMerges, AlwaysReject rejects regardless of the project.
type Policy struct {
	Check        bool
	Reject       bool
	AlwaysReject bool
}

// Enabled reports whether detection runs at all.
func (p Policy) Enabled() bool {
	return p.Check || p.Reject || p.AlwaysReject
}

// Rejects reports whether a detected implicit merge fails the submission for a project.
func (p Policy) Rejects(projectRejects bool) bool {
	return p.AlwaysReject || (p.Reject && projectRejects)
}

// Input describes one branch's candidate update.
type Input struct {
	Arena  *graph.CommitArena
	OldTip plumbing.Hash
	NewTip plumbing.Hash
	// Chain holds the change commits submitted to the branch.
	Chain []plumbing.Hash
	Kind  models.SubmitType
}

// Report is the detector's verdict.
type Report struct {
	Implicit bool
	// Heads are the chain heads whose history is anchored outside the branch.
	Heads []plumbing.Hash
	// Foreign are the commits the submission would pull in from elsewhere.
	Foreign []plumbing.Hash
}

// Immune reports whether a submit type can never introduce foreign reachable history.
func Immune(kind models.SubmitType) bool {
	switch kind {
	case models.SubmitTypeCherryPick, models.SubmitTypeRebaseIfNecessary, models.SubmitTypeRebaseAlways:
		return true
	}
	return false
}

// Detector classifies candidate branch updates.
type Detector struct {
	logger zerolog.Logger
}

// NewDetector creates a detector. A nil logger uses the global one.
func NewDetector(logger *zerolog.Logger) *Detector {
	l := logging.Component("implicit-merge")
	if logger != nil {
		l = *logger
	}
	return &Detector{logger: l}
}

// Check evaluates each chain head separately. A head is an implicit merge when its chain has
// parents outside the chain and none of them is already part of the branch.
func (d *Detector) Check(ctx context.Context, in Input) (*Report, error) {
	report := &Report{}
	if Immune(in.Kind) || in.OldTip.IsZero() || len(in.Chain) == 0 {
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a := in.Arena
	inChain := graph.NewSet()
	for _, h := range in.Chain {
		inChain.Add(a.ID(h))
	}

	heads, err := chainHeads(a, in.Chain, inChain)
	if err != nil {
		return nil, err
	}
	externals := make([][]plumbing.Hash, len(heads))
	var all []plumbing.Hash
	for i, head := range heads {
		if externals[i], err = externalParents(a, head, inChain); err != nil {
			return nil, err
		}
		all = append(all, externals[i]...)
	}
	onBranch, err := a.Contains(in.OldTip, all)
	if err != nil {
		return nil, err
	}

	// landing holds the commits the new tip brings in; foreign commits outside it are not reported.
	var landing *graph.Set
	if !in.NewTip.IsZero() {
		landed, err := a.Introduced([]plumbing.Hash{in.NewTip}, []plumbing.Hash{in.OldTip})
		if err != nil {
			return nil, err
		}
		landing = graph.NewSet()
		for _, h := range landed {
			landing.Add(a.ID(h))
		}
	}

	seenForeign := graph.NewSet()
	for i, head := range heads {
		if len(externals[i]) == 0 {
			continue
		}
		anchored := false
		for _, p := range externals[i] {
			if onBranch.Has(a.ID(p)) {
				anchored = true
				break
			}
		}
		if anchored {
			continue
		}

		foreign, err := a.Introduced(externals[i], []plumbing.Hash{in.OldTip})
		if err != nil {
			return nil, err
		}
		report.Implicit = true
		report.Heads = append(report.Heads, head)
		for _, h := range foreign {
			id := a.ID(h)
			if landing != nil && !landing.Has(id) {
				continue
			}
			if seenForeign.Add(id) {
				report.Foreign = append(report.Foreign, h)
			}
		}
	}
	if report.Implicit {
		d.logger.Debug().
			Int("heads", len(report.Heads)).
			Int("foreign", len(report.Foreign)).
			Str("old_tip", in.OldTip.String()).
			Msg("implicit merge detected")
	}
	return report, nil
}

// chainHeads returns the chain commits that are not ancestors of another chain commit, in input
// order.
func chainHeads(a *graph.CommitArena, chain []plumbing.Hash, inChain *graph.Set) ([]plumbing.Hash, error) {
	// Chain commits below another chain commit have a higher generation than the lowest one, so
	// walks stop there.
	var floor uint32
	for i, h := range chain {
		g, err := a.Generation(a.ID(h))
		if err != nil {
			return nil, err
		}
		if i == 0 || g < floor {
			floor = g
		}
	}
	covered := graph.NewSet()
	for _, h := range chain {
		parents, err := a.Parents(a.ID(h))
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !inChain.Has(p) {
				continue
			}
			below, err := a.ReachableAbove(floor, a.Hash(p))
			if err != nil {
				return nil, err
			}
			below.ForEach(func(id graph.NodeID) { covered.Add(id) })
		}
	}
	var heads []plumbing.Hash
	seen := graph.NewSet()
	for _, h := range chain {
		id := a.ID(h)
		if covered.Has(id) || !seen.Add(id) {
			continue
		}
		heads = append(heads, h)
	}
	return heads, nil
}

// externalParents walks the chain commits below head and collects their parents that are not
// chain commits.
func externalParents(a *graph.CommitArena, head plumbing.Hash, inChain *graph.Set) ([]plumbing.Hash, error) {
	var out []plumbing.Hash
	seen := graph.NewSet()
	added := graph.NewSet()
	start := a.ID(head)
	seen.Add(start)
	frontier := []graph.NodeID{start}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		parents, err := a.Parents(id)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !inChain.Has(p) {
				if added.Add(p) {
					out = append(out, a.Hash(p))
				}
				continue
			}
			if seen.Add(p) {
				frontier = append(frontier, p)
			}
		}
	}
	return out, nil
}

// Reason renders the rejection text for the foreign commits, one line per commit.
func Reason(r *repo.Repository, foreign []plumbing.Hash) string {
	lines := make([]string, 0, len(foreign))
	for _, h := range foreign {
		subject := ""
		if c, err := r.Commit(h); err == nil {
			subject = repo.Subject(c.Message)
		}
		lines = append(lines, fmt.Sprintf("Implicit Merge of %s %s", repo.Abbrev(h), subject))
	}
	return strings.Join(lines, "\n")
}
