package submit

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/niczy/gitsubmit/internal/models"
)

// Reasons used for whole-submission rejections.
const (
	ReasonAlreadyMerged = "change is already merged"
	ReasonAbandoned     = "change is abandoned"
)

// RejectionError is the rejection of one change.
type RejectionError struct {
	Kind     models.OutcomeKind
	ChangeID string
	Project  string
	Branch   string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("change %s: %s", e.ChangeID, e.Reason)
}

// SubmitError reports every change of a submission that did not merge.
type SubmitError struct {
	Rejections []*RejectionError
}

func (e *SubmitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed to submit %d change(s) due to the following problems:", len(e.Rejections))
	for _, r := range e.Rejections {
		fmt.Fprintf(&b, "\nChange %s: %s", r.ChangeID, r.Reason)
	}
	return b.String()
}

// Unwrap exposes the individual rejections to errors.As.
func (e *SubmitError) Unwrap() []error {
	out := make([]error, len(e.Rejections))
	for i, r := range e.Rejections {
		out[i] = r
	}
	return out
}

// Kind returns the kind shared by the rejections, preferring retryable exhaustion so callers know
// a later attempt may succeed.
func (e *SubmitError) Kind() models.OutcomeKind {
	kind := models.KindNone
	for _, r := range e.Rejections {
		if r.Kind == models.KindRetryExhausted {
			return r.Kind
		}
		if kind == models.KindNone {
			kind = r.Kind
		}
	}
	return kind
}

// IsRetryable reports whether err is a submission that ran out of attempts on concurrent ref
// updates.
func IsRetryable(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind() == models.KindRetryExhausted
}

// errorFor builds the SubmitError for a result, or nil when everything merged.
func errorFor(result *models.SubmitResult) error {
	rejected := result.Rejected()
	if len(rejected) == 0 {
		return nil
	}
	sort.Slice(rejected, func(i, j int) bool { return lessID(rejected[i].ChangeID, rejected[j].ChangeID) })
	se := &SubmitError{}
	for _, o := range rejected {
		se.Rejections = append(se.Rejections, &RejectionError{
			Kind:     o.Kind,
			ChangeID: o.ChangeID,
			Project:  o.Project,
			Branch:   o.Branch,
			Reason:   o.Reason,
		})
	}
	return se
}

// lessID orders change ids by length, then lexically, so numeric ids sort numerically.
func lessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
