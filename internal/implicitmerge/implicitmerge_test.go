package implicitmerge

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/repo/repotest"
)

type history struct {
	b          *repotest.Builder
	tip        plumbing.Hash
	f1, f2     plumbing.Hash
	c1, c2, c3 plumbing.Hash
}

// newHistory builds master (base, m1) and a foreign branch (f1, f2) with the chain c1..c3 on f2.
func newHistory(t *testing.T) *history {
	env := repotest.NewEnv(t)
	b := env.Project("proj")
	base := b.Commit("base", nil, map[string]string{"README": "base\n"})
	m1 := b.Commit("m1", []plumbing.Hash{base}, map[string]string{"m1.txt": "m1\n"})
	foreign := b.Chain(base, "f1", "f2")
	chain := b.Chain(foreign[1], "c1", "c2", "c3")
	b.SetBranch("refs/heads/master", m1)
	return &history{b: b, tip: m1, f1: foreign[0], f2: foreign[1], c1: chain[0], c2: chain[1], c3: chain[2]}
}

func (h *history) check(t *testing.T, kind models.SubmitType, newTip plumbing.Hash, chain ...plumbing.Hash) *Report {
	t.Helper()
	logger := zerolog.Nop()
	d := NewDetector(&logger)
	report, err := d.Check(context.Background(), Input{
		Arena:  h.b.Repo.Arena(),
		OldTip: h.tip,
		NewTip: newTip,
		Chain:  chain,
		Kind:   kind,
	})
	require.NoError(t, err)
	return report
}

func TestForeignChainIsImplicit(t *testing.T) {
	h := newHistory(t)
	merge := h.b.Commit("merge c1", []plumbing.Hash{h.tip, h.c1}, nil)

	report := h.check(t, models.SubmitTypeMergeAlways, merge, h.c1)
	assert.True(t, report.Implicit)
	assert.Equal(t, []plumbing.Hash{h.c1}, report.Heads)
	assert.Equal(t, []plumbing.Hash{h.f2, h.f1}, report.Foreign)

	report = h.check(t, models.SubmitTypeMergeAlways, plumbing.ZeroHash, h.c1, h.c2)
	assert.True(t, report.Implicit)
	assert.Equal(t, []plumbing.Hash{h.c2}, report.Heads)
}

func TestExplicitMergeWithTipIsAccepted(t *testing.T) {
	h := newHistory(t)
	c4 := h.b.Commit("merge c3 into master", []plumbing.Hash{h.c3, h.tip}, nil)

	report := h.check(t, models.SubmitTypeMergeAlways, c4, h.c1, h.c2, h.c3, c4)
	assert.False(t, report.Implicit)
	assert.Empty(t, report.Foreign)
}

func TestChangeOnBranchIsNotImplicit(t *testing.T) {
	h := newHistory(t)
	n := h.b.Chain(h.tip, "n1", "n2")

	report := h.check(t, models.SubmitTypeMergeIfNecessary, n[1], n...)
	assert.False(t, report.Implicit)
}

func TestImmuneKindsShortCircuit(t *testing.T) {
	h := newHistory(t)
	for _, kind := range []models.SubmitType{
		models.SubmitTypeCherryPick,
		models.SubmitTypeRebaseIfNecessary,
		models.SubmitTypeRebaseAlways,
	} {
		t.Run(kind.String(), func(t *testing.T) {
			report := h.check(t, kind, plumbing.ZeroHash, h.c1, h.c2, h.c3)
			assert.False(t, report.Implicit)
		})
	}
}

func TestUnbornBranchIsNotImplicit(t *testing.T) {
	h := newHistory(t)
	h.tip = plumbing.ZeroHash
	report := h.check(t, models.SubmitTypeMergeAlways, h.c1, h.c1)
	assert.False(t, report.Implicit)
}

func TestIndependentHeads(t *testing.T) {
	h := newHistory(t)
	n1 := h.b.Chain(h.tip, "n1")[0]

	report := h.check(t, models.SubmitTypeMergeIfNecessary, plumbing.ZeroHash, n1, h.c1)
	assert.True(t, report.Implicit)
	assert.Equal(t, []plumbing.Hash{h.c1}, report.Heads)
}

func TestReason(t *testing.T) {
	h := newHistory(t)
	got := Reason(h.b.Repo, []plumbing.Hash{h.f2, h.f1})
	assert.Equal(t, "Implicit Merge of "+repo.Abbrev(h.f2)+" f2\nImplicit Merge of "+repo.Abbrev(h.f1)+" f1", got)
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		project bool
		enabled bool
		rejects bool
	}{
		{name: "off", policy: Policy{}, project: true},
		{name: "check only", policy: Policy{Check: true}, project: true, enabled: true},
		{name: "reject with project flag", policy: Policy{Check: true, Reject: true}, project: true, enabled: true, rejects: true},
		{name: "reject without project flag", policy: Policy{Reject: true}, project: false, enabled: true},
		{name: "always reject", policy: Policy{AlwaysReject: true}, project: false, enabled: true, rejects: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.enabled, tt.policy.Enabled())
			assert.Equal(t, tt.rejects, tt.policy.Rejects(tt.project))
		})
	}
}
