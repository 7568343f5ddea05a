package strategy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/niczy/gitsubmit/internal/models"
)

const maxKeysInSubject = 5

// MergeMessage builds the message of a merge commit that brings merged into branch.
func MergeMessage(branch string, merged []*Candidate) string {
	var b strings.Builder
	switch topics := topicsOf(merged); {
	case len(merged) == 1:
		b.WriteString(`Merge "` + merged[0].Subject + `"`)
	case len(topics) == 1:
		b.WriteString(`Merge changes from topic "` + topics[0] + `"`)
	case len(topics) > 1:
		quoted := make([]string, len(topics))
		for i, t := range topics {
			quoted[i] = `"` + t + `"`
		}
		b.WriteString("Merge changes from topics " + strings.Join(quoted, ", "))
	default:
		keys := make([]string, 0, maxKeysInSubject)
		for i, c := range merged {
			if i == maxKeysInSubject {
				break
			}
			keys = append(keys, keyOf(c))
		}
		b.WriteString("Merge changes " + strings.Join(keys, ","))
		if len(merged) > maxKeysInSubject {
			b.WriteString(", ...")
		}
	}

	if short := models.ShortBranchName(branch); short != "master" {
		b.WriteString(" into " + short)
	}
	if len(merged) > 1 {
		b.WriteString("\n\n* changes:\n")
		for _, c := range merged {
			b.WriteString("  " + c.Subject + "\n")
		}
		return b.String()
	}
	b.WriteString("\n")
	return b.String()
}

func topicsOf(cands []*Candidate) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range cands {
		if c.Topic != "" && !seen[c.Topic] {
			seen[c.Topic] = true
			out = append(out, c.Topic)
		}
	}
	sort.Strings(out)
	return out
}

func keyOf(c *Candidate) string {
	if c.Key != "" {
		return c.Key
	}
	return c.ChangeID
}

// StatusMessage is the human-readable change message recorded for a commit result.
func StatusMessage(cr *CommitResult) string {
	switch cr.Status {
	case StatusCleanMerge, StatusFastForward, StatusAlreadyMerged:
		return "Change has been successfully merged"
	case StatusCleanPick:
		return "Change has been successfully cherry-picked as " + cr.Resulting.String()
	case StatusCleanRebase:
		return "Change has been successfully rebased and submitted as " + cr.Resulting.String()
	case StatusSkippedIdenticalTree:
		return "Marking change merged without cherry-picking to branch, as the resulting commit would be empty."
	case StatusPathConflict:
		return "Change could not be merged due to a path conflict. " +
			"Please rebase the change locally and upload the rebased commit for review."
	case StatusNotFastForward:
		return "Project policy requires all submissions to be a fast-forward. " +
			"Please rebase the change locally and upload again for review."
	case StatusMissingDependency:
		return "Depends on change that was not submitted."
	}
	return string(cr.Status)
}

// withReviewedOn appends a Reviewed-on footer for the change to message. An existing footer block
// is extended; otherwise a new paragraph is started.
func withReviewedOn(message, reviewURL string, c *Candidate) string {
	if reviewURL == "" || c.ChangeID == "" {
		return message
	}
	if !strings.HasSuffix(reviewURL, "/") {
		reviewURL += "/"
	}
	footer := fmt.Sprintf("Reviewed-on: %sc/%s/+/%s", reviewURL, c.Project, c.ChangeID)
	msg := strings.TrimRight(message, "\n")
	if strings.Contains(msg, footer) {
		return msg + "\n"
	}
	if hasFooterBlock(msg) {
		return msg + "\n" + footer + "\n"
	}
	return msg + "\n\n" + footer + "\n"
}

// hasFooterBlock reports whether the last paragraph of a multi-paragraph message is made of
// "Key: value" lines.
func hasFooterBlock(msg string) bool {
	i := strings.LastIndex(msg, "\n\n")
	if i < 0 {
		return false
	}
	for _, line := range strings.Split(msg[i+2:], "\n") {
		k, _, ok := strings.Cut(line, ": ")
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			return false
		}
	}
	return true
}
