package submit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/strategy"
)

// unit is the set of changes submitted together.
type unit struct {
	seed       *models.Change
	changes    map[string]*models.Change
	wholeTopic bool
	// missing holds changes whose history contains a commit that is neither on a branch nor
	// part of an open change.
	missing map[string]string
}

func (u *unit) list() []*models.Change {
	out := make([]*models.Change, 0, len(u.changes))
	for _, ch := range u.changes {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	return out
}

// byBranch partitions the unit by target branch.
func (u *unit) byBranch() map[models.BranchKey][]*models.Change {
	out := make(map[models.BranchKey][]*models.Change)
	for _, ch := range u.list() {
		out[ch.BranchKey()] = append(out[ch.BranchKey()], ch)
	}
	return out
}

// keys returns the target branches in lock order.
func (u *unit) keys() []models.BranchKey {
	groups := u.byBranch()
	out := make([]models.BranchKey, 0, len(groups))
	for k := range groups {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// collect expands the seed into its topic when whole-topic submission is on, then pulls in the
// unmerged open ancestors of every change on the same branch.
func (c *Coordinator) collect(ctx context.Context, seed *models.Change) (*unit, error) {
	u := &unit{
		seed:    seed,
		changes: make(map[string]*models.Change),
		missing: make(map[string]string),
	}
	queue := []*models.Change{seed}
	if c.cfg.WholeTopic && seed.Topic != "" {
		open := models.ChangeStatusNew
		topic, err := c.store.ListChanges(ctx, models.ChangeFilter{Topic: seed.Topic, Status: &open})
		if err != nil {
			return nil, fmt.Errorf("list topic %s: %w", seed.Topic, err)
		}
		u.wholeTopic = true
		queue = append(queue, topic...)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ch := queue[0]
		queue = queue[1:]
		if _, ok := u.changes[ch.ID]; ok {
			continue
		}
		u.changes[ch.ID] = ch
		if !ch.IsOpen() {
			continue
		}
		deps, missing, err := c.dependencies(ctx, ch)
		if err != nil {
			return nil, err
		}
		if missing != "" {
			u.missing[ch.ID] = missing
		}
		queue = append(queue, deps...)
	}
	return u, nil
}

// dependencies returns the open changes on ch's branch whose commits ch builds on. A commit that
// is neither on a branch, nor an open change, nor a merged change yields a missing-dependency
// reason. Cherry-picks ignore history, so they have no dependencies.
func (c *Coordinator) dependencies(ctx context.Context, ch *models.Change) ([]*models.Change, string, error) {
	ps := ch.CurrentPatchSet()
	if ps == nil {
		return nil, "", nil
	}
	state, err := c.projects.Project(ctx, ch.Project)
	if err != nil {
		return nil, "", err
	}
	if state.SubmitType == models.SubmitTypeCherryPick {
		return nil, "", nil
	}
	r, err := c.repos.Open(ch.Project)
	if errors.Is(err, repo.ErrRepositoryNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	commit := plumbing.NewHash(ps.Commit)
	if !r.HasCommit(commit) {
		return nil, fmt.Sprintf("commit %s of patch set %d is missing", ps.Commit, ps.Number), nil
	}

	heads, err := c.refs.List(ctx, ch.Project, "refs/heads/")
	if err != nil {
		return nil, "", err
	}
	tip := heads[ch.Branch]
	var excluded []plumbing.Hash
	if !tip.IsZero() {
		excluded = append(excluded, tip)
	}
	a := r.Arena()
	pending, err := a.Introduced([]plumbing.Hash{commit}, excluded)
	if err != nil {
		return nil, "", err
	}

	var deps []*models.Change
	var unresolved []plumbing.Hash
	for _, h := range pending {
		if h == commit {
			continue
		}
		owners, err := c.store.FindChangesByCommit(ctx, ch.Project, h.String())
		if err != nil {
			return nil, "", err
		}
		found := false
		for _, o := range owners {
			if o.Branch != ch.Branch {
				continue
			}
			switch {
			case o.IsOpen() && o.CurrentPatchSet() != nil && o.CurrentPatchSet().Commit == h.String():
				deps = append(deps, o)
				found = true
			case o.Status == models.ChangeStatusMerged:
				found = true
			}
		}
		if !found {
			unresolved = append(unresolved, h)
		}
	}
	if len(unresolved) == 0 {
		return deps, "", nil
	}

	// Commits already on another branch are not missing. Pending commits are never on the tip, so
	// excluding it too only stops the walk earlier.
	others := excluded
	for name, h := range heads {
		if name != ch.Branch {
			others = append(others, h)
		}
	}
	offBranch, err := a.Introduced(unresolved, others)
	if err != nil {
		return nil, "", err
	}
	missing := ""
	unknown := make(map[plumbing.Hash]bool, len(offBranch))
	for _, h := range offBranch {
		unknown[h] = true
	}
	for _, h := range unresolved {
		if unknown[h] {
			missing = strategy.StatusMessage(&strategy.CommitResult{Status: strategy.StatusMissingDependency})
			c.logger.Debug().Str("change", ch.ID).Str("commit", h.String()).Msg("dependency not found")
			break
		}
	}
	return deps, missing, nil
}
