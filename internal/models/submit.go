package models

import (
	"fmt"
	"strings"
	"time"
)

// SubmitType selects the merge-shape algorithm applied when changes are submitted.
type SubmitType int

const (
	SubmitTypeInherit SubmitType = iota
	SubmitTypeFastForwardOnly
	SubmitTypeMergeIfNecessary
	SubmitTypeMergeAlways
	SubmitTypeRebaseIfNecessary
	SubmitTypeRebaseAlways
	SubmitTypeCherryPick
)

var submitTypeNames = map[SubmitType]string{
	SubmitTypeInherit:           "INHERIT",
	SubmitTypeFastForwardOnly:   "FAST_FORWARD_ONLY",
	SubmitTypeMergeIfNecessary:  "MERGE_IF_NECESSARY",
	SubmitTypeMergeAlways:       "MERGE_ALWAYS",
	SubmitTypeRebaseIfNecessary: "REBASE_IF_NECESSARY",
	SubmitTypeRebaseAlways:      "REBASE_ALWAYS",
	SubmitTypeCherryPick:        "CHERRY_PICK",
}

func (t SubmitType) String() string {
	if name, ok := submitTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SubmitType(%d)", int(t))
}

// ParseSubmitType parses names such as "MERGE_IF_NECESSARY" or "merge-if-necessary".
func ParseSubmitType(s string) (SubmitType, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	if norm == "" {
		return SubmitTypeInherit, nil
	}
	for t, name := range submitTypeNames {
		if name == norm {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown submit type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t SubmitType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *SubmitType) UnmarshalText(text []byte) error {
	parsed, err := ParseSubmitType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// OutcomeStatus is the terminal state of a change after a submit request.
type OutcomeStatus string

const (
	OutcomeMerged   OutcomeStatus = "MERGED"
	OutcomeRejected OutcomeStatus = "REJECTED"
)

// OutcomeKind classifies why a change was rejected.
type OutcomeKind string

const (
	KindNone            OutcomeKind = ""
	KindPolicy          OutcomeKind = "POLICY"
	KindContentConflict OutcomeKind = "CONTENT_CONFLICT"
	KindRetryExhausted  OutcomeKind = "RETRY_EXHAUSTED"
	KindStructural      OutcomeKind = "STRUCTURAL"
	KindInternal        OutcomeKind = "INTERNAL"
)

// Outcome is the per-change result of a submission.
type Outcome struct {
	ChangeID string        `json:"change_id"`
	Project  string        `json:"project"`
	Branch   string        `json:"branch"`
	Status   OutcomeStatus `json:"status"`
	Commit   string        `json:"commit,omitempty"`
	Kind     OutcomeKind   `json:"kind,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Merged reports whether the change landed.
func (o *Outcome) Merged() bool {
	return o != nil && o.Status == OutcomeMerged
}

// SubmitResult is returned by the submit coordinator for one request.
type SubmitResult struct {
	SubmissionID string              `json:"submission_id"`
	Outcomes     map[string]*Outcome `json:"outcomes"`
	Attempts     int                 `json:"attempts"`
	SubmittedAt  time.Time           `json:"submitted_at"`
}

// Rejected returns the outcomes that did not merge.
func (r *SubmitResult) Rejected() []*Outcome {
	var out []*Outcome
	for _, o := range r.Outcomes {
		if o.Status == OutcomeRejected {
			out = append(out, o)
		}
	}
	return out
}

// AllMerged reports whether every change in the submission merged.
func (r *SubmitResult) AllMerged() bool {
	for _, o := range r.Outcomes {
		if o.Status != OutcomeMerged {
			return false
		}
	}
	return len(r.Outcomes) > 0
}
