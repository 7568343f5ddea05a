package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// precheck applies the policy checks that fail the whole unit before any strategy runs.
func (c *Coordinator) precheck(ctx context.Context, s *submission, u *unit) (map[string]verdict, error) {
	found := make(map[string]verdict)
	for _, ch := range u.list() {
		switch {
		case !ch.IsOpen():
			found[ch.ID] = verdict{kind: models.KindPolicy, reason: "change is " + strings.ToLower(ch.Status.String())}
		case ch.CurrentPatchSet() == nil:
			found[ch.ID] = verdict{kind: models.KindPolicy, reason: "change has no patch set"}
		default:
			if ok, reason := c.approvals.IsSubmittable(ctx, ch); !ok {
				found[ch.ID] = verdict{kind: models.KindPolicy, reason: reason}
			} else if reason, ok := u.missing[ch.ID]; ok {
				found[ch.ID] = verdict{kind: models.KindPolicy, reason: reason}
			}
		}
	}

	groups := u.byBranch()
	for _, key := range u.keys() {
		reason, err := c.checkBranch(ctx, s, key)
		if err != nil {
			return nil, err
		}
		if reason == "" {
			continue
		}
		for _, ch := range groups[key] {
			if _, ok := found[ch.ID]; !ok {
				found[ch.ID] = verdict{kind: models.KindPolicy, reason: reason}
			}
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	for id, v := range found {
		s.logger.Info().Str("rejected", id).Str("reason", v.reason).Msg("precheck failed")
	}
	return blockAll(u, found, verdict{kind: models.KindPolicy}), nil
}

// checkBranch returns a rejection reason for a target branch, or "" when it may be submitted to.
// A missing branch is accepted only in a project without any branch yet.
func (c *Coordinator) checkBranch(ctx context.Context, s *submission, key models.BranchKey) (string, error) {
	if !c.perms.CanSubmit(ctx, s.submitter, key.Project, key.Branch) {
		return fmt.Sprintf("insufficient permission to submit to %s in project %s", key.Branch, key.Project), nil
	}
	if _, err := c.repos.Open(key.Project); err != nil {
		if errors.Is(err, repo.ErrRepositoryNotFound) {
			return fmt.Sprintf("project %s not found", key.Project), nil
		}
		return "", err
	}
	heads, err := c.refs.List(ctx, key.Project, "refs/heads/")
	if err != nil {
		return "", err
	}
	if _, ok := heads[key.Branch]; !ok && len(heads) > 0 {
		return fmt.Sprintf("destination branch %s not found", key.Branch), nil
	}
	return "", nil
}
