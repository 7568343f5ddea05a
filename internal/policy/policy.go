// Package policy adapts the external approval and permission collaborators consumed by the submit
// coordinator.
package policy

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"

	"github.com/niczy/gitsubmit/internal/config"
	"github.com/niczy/gitsubmit/internal/models"
)

// ApprovalOracle decides whether a change is ready to submit. The coordinator treats its answer as
// authoritative and does no vote counting of its own.
type ApprovalOracle interface {
	// IsSubmittable returns false with a human-readable reason when the change may not be submitted.
	IsSubmittable(ctx context.Context, change *models.Change) (bool, string)
	// Submitter returns the identity recorded as having submitted the change.
	Submitter(ctx context.Context, change *models.Change, requester string) string
}

// PermissionOracle decides whether a user may submit to a branch.
type PermissionOracle interface {
	CanSubmit(ctx context.Context, user, project, branch string) bool
}

// RecordOracle reads the verdict stored on the change by the rule evaluator.
type RecordOracle struct{}

// IsSubmittable implements ApprovalOracle.
func (RecordOracle) IsSubmittable(_ context.Context, change *models.Change) (bool, string) {
	if change.SubmitRecord.Submittable {
		return true, ""
	}
	reason := change.SubmitRecord.Reason
	if reason == "" {
		reason = "submit requirements not satisfied"
	}
	return false, reason
}

// Submitter implements ApprovalOracle. An anonymous request is attributed to the change owner.
func (RecordOracle) Submitter(_ context.Context, change *models.Change, requester string) string {
	if requester != "" {
		return requester
	}
	return change.Owner
}

// AllowAll grants submit everywhere.
type AllowAll struct{}

// CanSubmit implements PermissionOracle.
func (AllowAll) CanSubmit(context.Context, string, string, string) bool {
	return true
}

type rule struct {
	project glob.Glob
	ref     glob.Glob
	users   map[string]bool
	deny    bool
}

func (r rule) matches(user, project, branch string) bool {
	if !r.project.Match(project) || !r.ref.Match(branch) {
		return false
	}
	return r.users["*"] || r.users[user]
}

// ACL evaluates submit rules from the server configuration. A matching deny rule always wins;
// otherwise some allow rule must match.
type ACL struct {
	rules []rule
}

// NewACL compiles the project and ref patterns of rules. Empty patterns match everything.
func NewACL(rules []config.ACLRule) (*ACL, error) {
	acl := &ACL{}
	for i, r := range rules {
		project, err := compile(r.Project)
		if err != nil {
			return nil, fmt.Errorf("acl rule %d: project pattern: %w", i, err)
		}
		ref, err := compile(r.Ref)
		if err != nil {
			return nil, fmt.Errorf("acl rule %d: ref pattern: %w", i, err)
		}
		users := make(map[string]bool, len(r.Users))
		for _, u := range r.Users {
			users[u] = true
		}
		if len(users) == 0 {
			users["*"] = true
		}
		acl.rules = append(acl.rules, rule{project: project, ref: ref, users: users, deny: r.Deny})
	}
	return acl, nil
}

func compile(pattern string) (glob.Glob, error) {
	if pattern == "" {
		pattern = "*"
	}
	return glob.Compile(pattern)
}

// CanSubmit implements PermissionOracle.
func (a *ACL) CanSubmit(_ context.Context, user, project, branch string) bool {
	allowed := false
	for _, r := range a.rules {
		if !r.matches(user, project, branch) {
			continue
		}
		if r.deny {
			return false
		}
		allowed = true
	}
	return allowed
}

// FromConfig returns AllowAll when no rules are configured and an ACL otherwise.
func FromConfig(rules []config.ACLRule) (PermissionOracle, error) {
	if len(rules) == 0 {
		return AllowAll{}, nil
	}
	return NewACL(rules)
}
