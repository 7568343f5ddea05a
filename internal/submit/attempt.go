package submit

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/niczy/gitsubmit/internal/implicitmerge"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/project"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/strategy"
	"github.com/niczy/gitsubmit/internal/submodule"
)

// group is one target branch of an attempt.
type group struct {
	key      models.BranchKey
	changes  []*models.Change
	byCommit map[plumbing.Hash]*models.Change
	repo     *repo.Repository
	oldTip   plumbing.Hash
	result   *strategy.Result
	failed   bool
}

// attemptResult is everything computed against one snapshot of branch tips.
type attemptResult struct {
	groups     []*group
	rejected   map[string]verdict
	updates    []repo.RefUpdate
	submodules *submodule.Outcome
}

// attempt runs the strategies against fresh tips, guards against implicit merges and computes
// the superproject updates. It writes objects but no refs.
func (c *Coordinator) attempt(ctx context.Context, s *submission, u *unit) (*attemptResult, error) {
	a := &attemptResult{rejected: make(map[string]verdict)}
	failed := false
	groups := u.byBranch()
	for _, key := range u.keys() {
		g, verdicts, err := c.runGroup(ctx, s, key, groups[key])
		if err != nil {
			return nil, err
		}
		a.groups = append(a.groups, g)
		for id, v := range verdicts {
			a.rejected[id] = v
		}
		failed = failed || g.failed
	}
	if failed {
		a.rejected = blockAll(u, a.rejected, verdict{kind: models.KindContentConflict})
		return a, nil
	}
	if len(a.rejected) == len(u.changes) {
		return a, nil
	}

	tips := make(map[models.BranchKey]plumbing.Hash)
	updates := make(map[models.BranchKey]*repo.RefUpdate)
	var moved []models.BranchKey
	for _, g := range a.groups {
		tips[g.key] = g.result.NewTip
		if g.result.Changed(g.oldTip) {
			moved = append(moved, g.key)
			updates[g.key] = &repo.RefUpdate{Project: g.key.Project, Ref: g.key.Branch, Old: g.oldTip, New: g.result.NewTip}
		}
	}

	plan, err := c.subs.Plan(ctx, moved)
	var cycle *submodule.CycleError
	if errors.As(err, &cycle) {
		s.logger.Warn().Err(err).Msg("submission rejected by subscription cycle")
		a.rejected = blockAll(u, nil, verdict{kind: models.KindStructural, reason: cycle.Error()})
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	out, err := c.updater.Update(ctx, plan, tips, s.now)
	if err != nil {
		return nil, err
	}
	a.submodules = out
	for _, upd := range out.Updates {
		if ru, ok := updates[upd.Super]; ok {
			ru.New = upd.NewTip
			continue
		}
		updates[upd.Super] = &repo.RefUpdate{Project: upd.Super.Project, Ref: upd.Super.Branch, Old: upd.OldTip, New: upd.NewTip}
	}

	keys := make([]models.BranchKey, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		a.updates = append(a.updates, *updates[k])
	}
	return a, nil
}

// runGroup applies the project's strategy to one branch. Any failed commit fails the group,
// except under cherry-pick where only the failed change is rejected.
func (c *Coordinator) runGroup(ctx context.Context, s *submission, key models.BranchKey, changes []*models.Change) (*group, map[string]verdict, error) {
	state, err := c.projects.Project(ctx, key.Project)
	if err != nil {
		return nil, nil, err
	}
	r, err := c.repos.Open(key.Project)
	if err != nil {
		return nil, nil, err
	}
	tip, err := repo.Lookup(ctx, c.refs, key.Project, key.Branch)
	if err != nil {
		return nil, nil, err
	}
	strat, err := strategy.For(state.SubmitType)
	if err != nil {
		return nil, nil, err
	}

	g := &group{
		key:      key,
		changes:  changes,
		byCommit: make(map[plumbing.Hash]*models.Change, len(changes)),
		repo:     r,
		oldTip:   tip,
	}
	cands := make([]*strategy.Candidate, 0, len(changes))
	for _, ch := range changes {
		ps := ch.CurrentPatchSet()
		h := plumbing.NewHash(ps.Commit)
		g.byCommit[h] = ch
		cands = append(cands, &strategy.Candidate{
			ChangeID:  ch.ID,
			Key:       ch.Key,
			Project:   ch.Project,
			Topic:     ch.Topic,
			Commit:    h,
			Subject:   ch.Subject,
			PatchSet:  ps.Number,
			CreatedAt: ch.CreatedAt,
		})
	}

	who := c.approvals.Submitter(ctx, changes[0], s.submitter)
	res, err := strat.Apply(ctx, &strategy.Input{
		Repo:         r,
		Branch:       key.Branch,
		Tip:          tip,
		Candidates:   cands,
		Committer:    repo.Signature(c.cfg.Name, c.cfg.Email, s.now),
		Submitter:    repo.Signature(who, who, s.now),
		ContentMerge: state.UseContentMerge,
		ReviewURL:    c.cfg.CanonicalWebURL,
	})
	if err != nil {
		return nil, nil, err
	}
	g.result = res
	s.logger.Debug().Str("project", key.Project).Str("branch", key.Branch).Str("strategy", res.Kind.String()).
		Str("old_tip", tip.String()).Str("new_tip", res.NewTip.String()).Msg("strategy applied")

	verdicts := make(map[string]verdict)
	for _, cr := range res.Failed() {
		ch := g.byCommit[cr.Candidate.Commit]
		verdicts[ch.ID] = verdict{kind: failureKind(cr.Status), reason: failureReason(cr)}
	}
	if len(verdicts) > 0 && res.Kind != models.SubmitTypeCherryPick {
		g.failed = true
		return g, verdicts, nil
	}

	if err := c.checkImplicit(ctx, s, g, state, verdicts); err != nil {
		return nil, nil, err
	}
	return g, verdicts, nil
}

// checkImplicit runs the implicit merge guard on the group's new tip.
func (c *Coordinator) checkImplicit(ctx context.Context, s *submission, g *group, state *project.State, verdicts map[string]verdict) error {
	if !c.cfg.ImplicitMerge.Enabled() {
		return nil
	}
	res := g.result
	var chain []plumbing.Hash
	for _, cand := range res.Order {
		cr := res.Commits[cand.Commit]
		if cr == nil || cr.Status == strategy.StatusAlreadyMerged || cr.Status.Failed() {
			continue
		}
		chain = append(chain, cand.Commit)
	}
	report, err := c.detector.Check(ctx, implicitmerge.Input{
		Arena:  g.repo.Arena(),
		OldTip: g.oldTip,
		NewTip: res.NewTip,
		Chain:  chain,
		Kind:   res.Kind,
	})
	if err != nil {
		return err
	}
	if !report.Implicit {
		return nil
	}
	reason := implicitmerge.Reason(g.repo, report.Foreign)
	if reason == "" {
		reason = "Implicit merge detected"
	}
	if !c.cfg.ImplicitMerge.Rejects(state.RejectImplicitMerges) {
		s.logger.Warn().Str("project", g.key.Project).Str("branch", g.key.Branch).Str("detail", reason).
			Msg("implicit merge allowed by policy")
		return nil
	}
	for _, ch := range g.changes {
		if _, ok := verdicts[ch.ID]; !ok {
			verdicts[ch.ID] = verdict{kind: models.KindPolicy, reason: reason}
		}
	}
	g.failed = true
	return nil
}

// failureKind classifies a failed strategy status. A commit whose parents are not on the branch
// breaks policy; everything else is a conflict with the branch content.
func failureKind(status strategy.Status) models.OutcomeKind {
	if status == strategy.StatusMissingDependency {
		return models.KindPolicy
	}
	return models.KindContentConflict
}

func failureReason(cr *strategy.CommitResult) string {
	msg := strategy.StatusMessage(cr)
	if len(cr.Conflicts) == 0 {
		return msg
	}
	return msg + "\n\nConflicting paths:\n* " + strings.Join(cr.Conflicts, "\n* ")
}
