package submit

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/niczy/gitsubmit/internal/events"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/strategy"
)

// commit records the outcome of an applied batch. Refs have moved, so nothing here is cancellable
// and metadata failures are logged rather than returned.
func (c *Coordinator) commit(ctx context.Context, s *submission, u *unit, a *attemptResult) (*models.SubmitResult, error) {
	ctx = context.WithoutCancel(ctx)
	merged := 0
	for _, g := range a.groups {
		for _, ch := range g.changes {
			if v, ok := a.rejected[ch.ID]; ok {
				c.reject(ctx, s, ch, v)
				continue
			}
			cr := g.result.Commits[plumbing.NewHash(ch.CurrentPatchSet().Commit)]
			c.merge(ctx, s, ch, cr)
			merged++
		}
		c.warm(ctx, s, g)
	}
	if a.submodules != nil {
		for _, upd := range a.submodules.Updates {
			s.logger.Info().Str("project", upd.Super.Project).Str("branch", upd.Super.Branch).
				Str("commit", upd.NewTip.String()).Msg("superproject advanced")
		}
	}
	s.logger.Info().Int("merged", merged).Int("rejected", len(u.changes)-merged).
		Int("attempts", s.result.Attempts).Msg("submission complete")
	return s.result, errorFor(s.result)
}

// abort rejects every change of the unit. No ref has moved.
func (c *Coordinator) abort(ctx context.Context, s *submission, u *unit, verdicts map[string]verdict) (*models.SubmitResult, error) {
	ctx = context.WithoutCancel(ctx)
	for _, ch := range u.list() {
		v, ok := verdicts[ch.ID]
		if !ok {
			v = verdict{kind: models.KindInternal, reason: "submission aborted"}
		}
		c.reject(ctx, s, ch, v)
	}
	return s.result, errorFor(s.result)
}

func (c *Coordinator) merge(ctx context.Context, s *submission, ch *models.Change, cr *strategy.CommitResult) {
	submittedAt := s.now
	ch.Status = models.ChangeStatusMerged
	ch.Submitter = c.approvals.Submitter(ctx, ch, s.submitter)
	ch.SubmittedAt = &submittedAt
	ch.MergedCommit = cr.Resulting.String()
	ch.SubmissionID = s.id
	if err := c.store.UpdateChange(ctx, ch); err != nil {
		s.logger.Error().Err(err).Str("merged", ch.ID).Msg("failed to record merged change")
	}
	c.addMessage(ctx, s, ch, strategy.StatusMessage(cr))

	s.result.Outcomes[ch.ID] = &models.Outcome{
		ChangeID: ch.ID,
		Project:  ch.Project,
		Branch:   ch.Branch,
		Status:   models.OutcomeMerged,
		Commit:   ch.MergedCommit,
	}
	c.publish(s, events.Event{
		Type:     events.TypeChangeMerged,
		ChangeID: ch.ID,
		Project:  ch.Project,
		Branch:   ch.Branch,
		Commit:   ch.MergedCommit,
	})
}

func (c *Coordinator) reject(ctx context.Context, s *submission, ch *models.Change, v verdict) {
	s.result.Outcomes[ch.ID] = rejected(ch, v)
	c.addMessage(ctx, s, ch, v.reason)
	c.publish(s, events.Event{
		Type:     events.TypeSubmitRejected,
		ChangeID: ch.ID,
		Project:  ch.Project,
		Branch:   ch.Branch,
		Kind:     string(v.kind),
		Reason:   v.reason,
	})
}

func (c *Coordinator) addMessage(ctx context.Context, s *submission, ch *models.Change, text string) {
	err := c.store.AddChangeMessage(ctx, &models.ChangeMessage{
		ChangeID:  ch.ID,
		Author:    c.cfg.Name,
		Message:   text,
		CreatedAt: s.now,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("target", ch.ID).Msg("failed to add change message")
	}
}

func (c *Coordinator) publish(s *submission, evt events.Event) {
	if c.events == nil {
		return
	}
	evt.SubmissionID = s.id
	evt.CreatedAt = s.now
	c.events.Publish(evt)
}

// warm computes the auto-merge of every merge commit the group created.
func (c *Coordinator) warm(ctx context.Context, s *submission, g *group) {
	if c.automerge == nil || g.result == nil {
		return
	}
	for _, h := range g.result.Created {
		parents, err := g.repo.Parents(h)
		if err != nil || len(parents) < 2 {
			continue
		}
		if _, err := c.automerge.Get(ctx, g.repo, h); err != nil {
			s.logger.Debug().Err(err).Str("commit", h.String()).Msg("auto-merge warm-up failed")
		}
	}
}
