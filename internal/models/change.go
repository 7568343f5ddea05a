package models

import (
	"fmt"
	"strings"
	"time"
)

// ChangeStatus represents the lifecycle state of a change
type ChangeStatus int

const (
	ChangeStatusNew ChangeStatus = iota
	ChangeStatusMerged
	ChangeStatusAbandoned
)

func (s ChangeStatus) String() string {
	switch s {
	case ChangeStatusNew:
		return "NEW"
	case ChangeStatusMerged:
		return "MERGED"
	case ChangeStatusAbandoned:
		return "ABANDONED"
	default:
		return fmt.Sprintf("ChangeStatus(%d)", int(s))
	}
}

// ParseChangeStatus converts the textual form produced by String back into a status.
func ParseChangeStatus(s string) (ChangeStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW":
		return ChangeStatusNew, nil
	case "MERGED":
		return ChangeStatusMerged, nil
	case "ABANDONED":
		return ChangeStatusAbandoned, nil
	}
	return 0, fmt.Errorf("unknown change status %q", s)
}

// PatchSet is an immutable commit proposed for a change.
type PatchSet struct {
	Number    int       `json:"number"`
	Commit    string    `json:"commit"`
	Uploader  string    `json:"uploader"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitRecord is the verdict of the external submit-rule evaluator for a change.
type SubmitRecord struct {
	Submittable bool   `json:"submittable"`
	Reason      string `json:"reason,omitempty"`
}

// Change is a reviewable unit targeting one branch of one project.
type Change struct {
	ID           string       `json:"id"`
	Key          string       `json:"key"`
	Project      string       `json:"project"`
	Branch       string       `json:"branch"`
	Status       ChangeStatus `json:"status"`
	Topic        string       `json:"topic,omitempty"`
	Owner        string       `json:"owner"`
	Subject      string       `json:"subject"`
	PatchSets    []*PatchSet  `json:"patch_sets"`
	SubmitRecord SubmitRecord `json:"submit_record"`

	Submitter    string     `json:"submitter,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	MergedCommit string     `json:"merged_commit,omitempty"`
	SubmissionID string     `json:"submission_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CurrentPatchSet returns the patch set with the highest number, or nil when there is none.
func (c *Change) CurrentPatchSet() *PatchSet {
	var current *PatchSet
	for _, ps := range c.PatchSets {
		if current == nil || ps.Number > current.Number {
			current = ps
		}
	}
	return current
}

// IsOpen reports whether the change can still be submitted.
func (c *Change) IsOpen() bool {
	return c.Status == ChangeStatusNew
}

// BranchKey returns the (project, branch) pair the change targets.
func (c *Change) BranchKey() BranchKey {
	return BranchKey{Project: c.Project, Branch: c.Branch}
}

// Clone returns a deep copy of the change.
func (c *Change) Clone() *Change {
	if c == nil {
		return nil
	}
	out := *c
	out.PatchSets = make([]*PatchSet, 0, len(c.PatchSets))
	for _, ps := range c.PatchSets {
		copyPS := *ps
		out.PatchSets = append(out.PatchSets, &copyPS)
	}
	if c.SubmittedAt != nil {
		ts := *c.SubmittedAt
		out.SubmittedAt = &ts
	}
	return &out
}

// ChangeMessage is a human-readable entry attached to a change, such as a submit outcome.
type ChangeMessage struct {
	ID        string    `json:"id"`
	ChangeID  string    `json:"change_id"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeFilter narrows ListChanges results. Zero values match everything.
type ChangeFilter struct {
	Project string
	Branch  string
	Topic   string
	Status  *ChangeStatus
	Limit   int
}

// Matches reports whether the change satisfies the filter.
func (f ChangeFilter) Matches(c *Change) bool {
	if f.Project != "" && c.Project != f.Project {
		return false
	}
	if f.Branch != "" && c.Branch != f.Branch {
		return false
	}
	if f.Topic != "" && c.Topic != f.Topic {
		return false
	}
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	return true
}
