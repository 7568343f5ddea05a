package submit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/niczy/gitsubmit/internal/automerge"
	"github.com/niczy/gitsubmit/internal/config"
	"github.com/niczy/gitsubmit/internal/events"
	"github.com/niczy/gitsubmit/internal/implicitmerge"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/policy"
	"github.com/niczy/gitsubmit/internal/project"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/repo/repotest"
	"github.com/niczy/gitsubmit/internal/storage"
	"github.com/niczy/gitsubmit/internal/submodule"
)

const master = "refs/heads/master"

var submitTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	t       *testing.T
	env     *repotest.Env
	store   *storage.InMemoryStorage
	broker  *events.Broker
	deps    Deps
	cfg     Config
	coord   *Coordinator
	created int
}

// newFixture wires a coordinator over in-memory repositories and storage. mutate adjusts the
// configuration before the coordinator is built.
func newFixture(t *testing.T, projectsYAML string, mutate func(*Config, *Deps)) *fixture {
	t.Helper()
	set, err := project.Parse([]byte(projectsYAML))
	require.NoError(t, err)

	env := repotest.NewEnv(t)
	logger := zerolog.Nop()
	f := &fixture{
		t:      t,
		env:    env,
		store:  storage.NewInMemoryStorage(),
		broker: events.NewBroker(),
	}
	f.deps = Deps{
		Storage:  f.store,
		Repos:    env.Manager,
		Refs:     env.Refs,
		Projects: project.NewStaticProvider(set),
		Events:   f.broker,
	}
	f.cfg = Config{
		MaxAttempts:   3,
		LockTimeout:   time.Second,
		ImplicitMerge: implicitmerge.Policy{Check: true, Reject: true},
		Logger:        &logger,
		Now:           func() time.Time { return submitTime },
	}
	if mutate != nil {
		mutate(&f.cfg, &f.deps)
	}
	f.coord, err = New(f.deps, f.cfg)
	require.NoError(t, err)
	return f
}

// change stores an open, submittable change whose current patch set is commit.
func (f *fixture) change(b *repotest.Builder, branch string, commit plumbing.Hash, mutate ...func(*models.Change)) *models.Change {
	f.t.Helper()
	f.created++
	c, err := b.Repo.Commit(commit)
	require.NoError(f.t, err)
	ch := &models.Change{
		ID:           strconv.Itoa(f.created),
		Key:          fmt.Sprintf("I%040d", f.created),
		Project:      b.Repo.Name(),
		Branch:       branch,
		Status:       models.ChangeStatusNew,
		Owner:        "alice",
		Subject:      repo.Subject(c.Message),
		PatchSets:    []*models.PatchSet{{Number: 1, Commit: commit.String(), Uploader: "alice"}},
		SubmitRecord: models.SubmitRecord{Submittable: true},
		CreatedAt:    repotest.Epoch.Add(time.Duration(f.created) * time.Hour),
	}
	for _, m := range mutate {
		m(ch)
	}
	require.NoError(f.t, f.store.CreateChange(context.Background(), ch))
	return ch
}

func (f *fixture) submit(id string, opts Options) (*models.SubmitResult, error) {
	return f.coord.Submit(context.Background(), id, "alice", opts)
}

func (f *fixture) status(id string) models.ChangeStatus {
	f.t.Helper()
	ch, err := f.store.GetChange(context.Background(), id)
	require.NoError(f.t, err)
	return ch.Status
}

func (f *fixture) messages(id string) []string {
	f.t.Helper()
	msgs, err := f.store.ListChangeMessages(context.Background(), id)
	require.NoError(f.t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Message)
	}
	return out
}

func topic(name string) func(*models.Change) {
	return func(ch *models.Change) { ch.Topic = name }
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

// seed creates a project with master at a base commit holding shared.txt.
func (f *fixture) seed(name string) (*repotest.Builder, plumbing.Hash) {
	b := f.env.Project(name)
	base := b.Commit("base", nil, map[string]string{"README": "hello\n", "shared.txt": "a\nb\nc\n"})
	b.SetBranch(master, base)
	return b, base
}

func TestMergeIfNecessaryFastForwards(t *testing.T) {
	f := newFixture(t, "projects: {}\n", nil)
	feed, cancel := f.broker.Subscribe()
	defer cancel()
	b, base := f.seed("p")
	c1 := b.Commit("feature", []plumbing.Hash{base}, map[string]string{"feature.txt": "x\n"})
	ch := f.change(b, master, c1)

	res, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	assert.True(t, res.AllMerged())
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, submitTime, res.SubmittedAt)
	assert.Equal(t, &models.Outcome{
		ChangeID: ch.ID, Project: "p", Branch: master, Status: models.OutcomeMerged, Commit: c1.String(),
	}, res.Outcomes[ch.ID])
	assert.Equal(t, c1, b.Tip(master))

	stored, err := f.store.GetChange(context.Background(), ch.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusMerged, stored.Status)
	assert.Equal(t, "alice", stored.Submitter)
	assert.Equal(t, c1.String(), stored.MergedCommit)
	assert.Equal(t, res.SubmissionID, stored.SubmissionID)
	require.NotNil(t, stored.SubmittedAt)
	assert.True(t, stored.SubmittedAt.Equal(submitTime))
	assert.Equal(t, []string{"Change has been successfully merged"}, f.messages(ch.ID))

	got := drain(feed)
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeChangeMerged, got[0].Type)
	assert.Equal(t, res.SubmissionID, got[0].SubmissionID)
	assert.Equal(t, c1.String(), got[0].Commit)
}

func TestFastForwardOnlyRejectsNonDescendant(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: FAST_FORWARD_ONLY\n", nil)
	b, base := f.seed("p")
	tip := b.Commit("moved on", []plumbing.Hash{base}, map[string]string{"tip.txt": "t\n"})
	b.SetBranch(master, tip)
	c1 := b.Commit("stale", []plumbing.Hash{base}, map[string]string{"feature.txt": "x\n"})
	ch := f.change(b, master, c1)

	res, err := f.submit(ch.ID, Options{})
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.KindContentConflict, se.Kind())
	out := res.Outcomes[ch.ID]
	assert.Equal(t, models.OutcomeRejected, out.Status)
	assert.Equal(t, models.KindContentConflict, out.Kind)
	assert.Contains(t, out.Reason, "fast-forward")
	assert.Equal(t, tip, b.Tip(master))
	assert.Equal(t, models.ChangeStatusNew, f.status(ch.ID))
	assert.Equal(t, []string{out.Reason}, f.messages(ch.ID))
	assert.Contains(t, err.Error(), "Failed to submit 1 change(s) due to the following problems:\nChange 1: ")
}

func TestMergeAlwaysNeverLandsChangeCommitAsTip(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: MERGE_ALWAYS\n", nil)
	b, base := f.seed("p")
	c1 := b.Commit("feature", []plumbing.Hash{base}, map[string]string{"feature.txt": "x\n"})
	ch := f.change(b, master, c1)

	res, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	tip := b.Tip(master)
	assert.NotEqual(t, c1, tip)
	assert.Equal(t, []plumbing.Hash{base, c1}, b.Parents(tip))
	assert.Equal(t, c1.String(), res.Outcomes[ch.ID].Commit)
}

func TestImplicitMergeOfForeignChain(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: MERGE_ALWAYS\n    rejectImplicitMerges: true\n", nil)
	b, base := f.seed("p")
	foreign := b.Commit("foreign work", []plumbing.Hash{base}, map[string]string{"foreign.txt": "f\n"})
	b.SetBranch("refs/heads/foreign", foreign)
	chain := b.Chain(foreign, "c1", "c2", "c3")
	ch1 := f.change(b, master, chain[0])
	ch2 := f.change(b, master, chain[1])
	ch3 := f.change(b, master, chain[2])

	wantReason := "Implicit Merge of " + repo.Abbrev(foreign) + " foreign work"

	res, err := f.submit(ch1.ID, Options{})
	require.Error(t, err)
	assert.Equal(t, models.KindPolicy, res.Outcomes[ch1.ID].Kind)
	assert.Equal(t, wantReason, res.Outcomes[ch1.ID].Reason)
	assert.Equal(t, base, b.Tip(master))

	res, err = f.submit(ch2.ID, Options{})
	require.Error(t, err)
	require.Len(t, res.Outcomes, 2)
	for _, id := range []string{ch1.ID, ch2.ID} {
		assert.Equal(t, models.OutcomeRejected, res.Outcomes[id].Status)
		assert.Equal(t, wantReason, res.Outcomes[id].Reason)
	}
	assert.Equal(t, base, b.Tip(master))

	// Merging the chain with the branch tip makes the foreign history explicit.
	merge := b.Commit("merge c3 with master", []plumbing.Hash{chain[2], base}, nil)
	ch4 := f.change(b, master, merge)
	res, err = f.submit(ch4.ID, Options{})
	require.NoError(t, err)
	for _, id := range []string{ch1.ID, ch2.ID, ch3.ID, ch4.ID} {
		assert.Equal(t, models.OutcomeMerged, res.Outcomes[id].Status, id)
	}
	tip := b.Tip(master)
	assert.Equal(t, []plumbing.Hash{base, merge}, b.Parents(tip))
}

func TestImplicitMergeReportOnly(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: MERGE_ALWAYS\n", nil)
	b, base := f.seed("p")
	foreign := b.Commit("foreign work", []plumbing.Hash{base}, map[string]string{"foreign.txt": "f\n"})
	b.SetBranch("refs/heads/foreign", foreign)
	c1 := b.Chain(foreign, "c1")[0]
	ch := f.change(b, master, c1)

	res, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	assert.True(t, res.AllMerged())
}

func TestRewritingStrategiesAreNeverImplicit(t *testing.T) {
	for _, kind := range []string{"CHERRY_PICK", "REBASE_IF_NECESSARY", "REBASE_ALWAYS"} {
		t.Run(kind, func(t *testing.T) {
			f := newFixture(t, "projects:\n  p:\n    submitType: "+kind+"\n", func(c *Config, _ *Deps) {
				c.ImplicitMerge = implicitmerge.Policy{Check: true, AlwaysReject: true}
			})
			b, base := f.seed("p")
			foreign := b.Commit("foreign work", []plumbing.Hash{base}, map[string]string{"foreign.txt": "f\n"})
			b.SetBranch("refs/heads/foreign", foreign)
			c1 := b.Chain(foreign, "c1")[0]
			ch := f.change(b, master, c1)

			res, err := f.submit(ch.ID, Options{})
			require.NoError(t, err)
			assert.True(t, res.AllMerged())
			tip := b.Tip(master)
			assert.Equal(t, []plumbing.Hash{base}, b.Parents(tip))
			_, hasForeign := b.Files(tip)["foreign.txt"]
			assert.False(t, hasForeign)
		})
	}
}

func TestWholeTopicLockFailureExhaustsRetries(t *testing.T) {
	var external *repotest.Builder
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) {
		c.WholeTopic = true
		c.LockFailureInjector = func(ctx context.Context, attempt int, updates []repo.RefUpdate) error {
			tip := external.Tip(master)
			pushed := external.Commit(fmt.Sprintf("external push %d", attempt), []plumbing.Hash{tip},
				map[string]string{fmt.Sprintf("push%d.txt", attempt): "p\n"})
			external.SetBranch(master, pushed)
			return nil
		}
	})
	a, aBase := f.seed("a")
	b, bBase := f.seed("b")
	external = b
	chA := f.change(a, master, a.Chain(aBase, "a1")[0], topic("t"))
	chB := f.change(b, master, b.Chain(bBase, "b1")[0], topic("t"))

	res, err := f.submit(chA.ID, Options{AllowLockFailureInjection: true})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, res.Attempts)
	for _, id := range []string{chA.ID, chB.ID} {
		assert.Equal(t, models.KindRetryExhausted, res.Outcomes[id].Kind)
		assert.Equal(t, models.ChangeStatusNew, f.status(id))
	}
	assert.Equal(t, aBase, a.Tip(master))
	assert.Equal(t, "external push 3", repotestSubject(t, b, b.Tip(master)))
}

func repotestSubject(t *testing.T, b *repotest.Builder, h plumbing.Hash) string {
	t.Helper()
	c, err := b.Repo.Commit(h)
	require.NoError(t, err)
	return repo.Subject(c.Message)
}

func TestLockFailureRetryRecomputes(t *testing.T) {
	var external *repotest.Builder
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) {
		c.WholeTopic = true
		c.LockFailureInjector = func(ctx context.Context, attempt int, updates []repo.RefUpdate) error {
			if attempt > 1 {
				return nil
			}
			pushed := external.Commit("external push", []plumbing.Hash{external.Tip(master)}, map[string]string{"push.txt": "p\n"})
			external.SetBranch(master, pushed)
			return nil
		}
	})
	a, aBase := f.seed("a")
	b, bBase := f.seed("b")
	external = b
	a1 := a.Chain(aBase, "a1")[0]
	b1 := b.Chain(bBase, "b1")[0]
	chA := f.change(a, master, a1, topic("t"))
	chB := f.change(b, master, b1, topic("t"))

	res, err := f.submit(chB.ID, Options{AllowLockFailureInjection: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.True(t, res.AllMerged())
	assert.Equal(t, a1, a.Tip(master))
	assert.Equal(t, a1.String(), res.Outcomes[chA.ID].Commit)

	bTip := b.Tip(master)
	parents := b.Parents(bTip)
	require.Len(t, parents, 2)
	assert.Equal(t, b1, parents[1])
	assert.Equal(t, "external push", repotestSubject(t, b, parents[0]))
}

func TestLockFailureInjectionRequiresOptIn(t *testing.T) {
	called := false
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) {
		c.LockFailureInjector = func(context.Context, int, []repo.RefUpdate) error {
			called = true
			return repo.ErrLockFailure
		}
	})
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])

	_, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestInjectedErrorsAreRetried(t *testing.T) {
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) {
		c.LockFailureInjector = func(context.Context, int, []repo.RefUpdate) error {
			return fmt.Errorf("injected: %w", repo.ErrLockFailure)
		}
	})
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])

	res, err := f.submit(ch.ID, Options{AllowLockFailureInjection: true})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, base, b.Tip(master))
}

// leaseRecorder records the ttl of every lock call. Calls after the first fail with
// storage.ErrLockHeld when stolen is set.
type leaseRecorder struct {
	*storage.InMemoryStorage
	ttls   []time.Duration
	stolen bool
}

func (l *leaseRecorder) LockBranches(ctx context.Context, owner string, keys []models.BranchKey, ttl time.Duration) error {
	l.ttls = append(l.ttls, ttl)
	if l.stolen && len(l.ttls) > 1 {
		return storage.ErrLockHeld
	}
	return l.InMemoryStorage.LockBranches(ctx, owner, keys, ttl)
}

func TestLockLeaseRenewedBeforeRetry(t *testing.T) {
	var rec *leaseRecorder
	f := newFixture(t, "projects: {}\n", func(c *Config, d *Deps) {
		c.LockTimeout = 50 * time.Millisecond
		c.LockLease = 3 * time.Minute
		c.LockFailureInjector = func(_ context.Context, attempt int, _ []repo.RefUpdate) error {
			if attempt == 1 {
				return repo.ErrLockFailure
			}
			return nil
		}
		rec = &leaseRecorder{InMemoryStorage: d.Storage.(*storage.InMemoryStorage)}
		d.Storage = rec
	})
	b, base := f.seed("p")
	c1 := b.Chain(base, "c1")[0]
	ch := f.change(b, master, c1)

	res, err := f.submit(ch.ID, Options{AllowLockFailureInjection: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []time.Duration{3 * time.Minute, 3 * time.Minute}, rec.ttls)
	assert.Equal(t, c1, b.Tip(master))
}

func TestLostLockLeaseAbortsSubmission(t *testing.T) {
	var rec *leaseRecorder
	f := newFixture(t, "projects: {}\n", func(c *Config, d *Deps) {
		c.LockFailureInjector = func(context.Context, int, []repo.RefUpdate) error {
			return repo.ErrLockFailure
		}
		rec = &leaseRecorder{InMemoryStorage: d.Storage.(*storage.InMemoryStorage), stolen: true}
		d.Storage = rec
	})
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])

	res, err := f.submit(ch.ID, Options{AllowLockFailureInjection: true})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, rec.ttls, 2)
	out := res.Outcomes[ch.ID]
	assert.Equal(t, models.KindRetryExhausted, out.Kind)
	assert.Equal(t, "branch lock expired during submission, try again later", out.Reason)
	assert.Equal(t, base, b.Tip(master))
	assert.Equal(t, models.ChangeStatusNew, f.status(ch.ID))
}

const libProjects = `
projects:
  lib:
    subscriptions:
      - branch: refs/heads/master
        superproject: super
        superBranch: refs/heads/master
        path: modules/lib
`

func TestThreeSubmoduleCommitsMakeOneSuperprojectCommit(t *testing.T) {
	f := newFixture(t, libProjects, func(c *Config, _ *Deps) { c.SubmoduleVerbosity = submodule.VerboseSubjectOnly })
	lib, l0 := f.seed("lib")
	super := f.env.Project("super")
	s0 := super.Commit("super init", nil, map[string]string{
		".gitmodules": "[submodule \"lib\"]\n\tpath = modules/lib\n\turl = ../lib\n",
	})
	s1 := super.Gitlink("add lib", s0, "modules/lib", l0)
	super.SetBranch(master, s1)

	chain := lib.Chain(l0, "one", "two", "three")
	f.change(lib, master, chain[0])
	f.change(lib, master, chain[1])
	ch3 := f.change(lib, master, chain[2])

	res, err := f.submit(ch3.ID, Options{})
	require.NoError(t, err)
	assert.Len(t, res.Outcomes, 3)
	assert.Equal(t, chain[2], lib.Tip(master))

	superTip := super.Tip(master)
	assert.Equal(t, []plumbing.Hash{s1}, super.Parents(superTip))
	assert.Equal(t, "gitlink:"+chain[2].String(), super.Files(superTip)["modules/lib"])
	c, err := super.Repo.Commit(superTip)
	require.NoError(t, err)
	assert.Equal(t, "Update git submodules\n\n* Update modules/lib from branch 'master'\n  to "+chain[2].String()+
		"\n  - three\n  - two\n  - one", c.Message)
}

func TestSubscriptionCycleRejectsSubmission(t *testing.T) {
	f := newFixture(t, `
projects:
  a:
    subscriptions:
      - branch: refs/heads/master
        superproject: b
        path: a
  b:
    subscriptions:
      - branch: refs/heads/master
        superproject: c
        path: b
  c:
    subscriptions:
      - branch: refs/heads/master
        superproject: a
        path: c
`, nil)
	a, aBase := f.seed("a")
	b, bBase := f.seed("b")
	c, cBase := f.seed("c")
	ch := f.change(a, master, a.Chain(aBase, "a1")[0])

	res, err := f.submit(ch.ID, Options{})
	require.Error(t, err)
	out := res.Outcomes[ch.ID]
	assert.Equal(t, models.KindStructural, out.Kind)
	assert.Equal(t, "Branch level circular subscriptions detected: "+
		"a,refs/heads/master -> b,refs/heads/master -> c,refs/heads/master -> a,refs/heads/master", out.Reason)
	assert.Equal(t, aBase, a.Tip(master))
	assert.Equal(t, bBase, b.Tip(master))
	assert.Equal(t, cBase, c.Tip(master))
}

func TestResubmittingMergedChangeIsNoOp(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: MERGE_ALWAYS\n", nil)
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])

	_, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	tip := b.Tip(master)
	msgs := f.messages(ch.ID)

	res, err := f.submit(ch.ID, Options{})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonAlreadyMerged, rej.Reason)
	assert.Equal(t, models.KindPolicy, res.Outcomes[ch.ID].Kind)
	assert.Equal(t, tip, b.Tip(master))
	assert.Equal(t, msgs, f.messages(ch.ID))
}

func TestPrecheckRejections(t *testing.T) {
	t.Run("not submittable", func(t *testing.T) {
		f := newFixture(t, "projects: {}\n", nil)
		b, base := f.seed("p")
		ch := f.change(b, master, b.Chain(base, "c1")[0], func(c *models.Change) {
			c.SubmitRecord = models.SubmitRecord{Reason: "needs Code-Review+2"}
		})
		res, err := f.submit(ch.ID, Options{})
		require.Error(t, err)
		assert.Equal(t, "needs Code-Review+2", res.Outcomes[ch.ID].Reason)
		assert.Equal(t, base, b.Tip(master))
	})

	t.Run("permission denied", func(t *testing.T) {
		f := newFixture(t, "projects: {}\n", func(_ *Config, d *Deps) {
			acl, err := policy.NewACL([]config.ACLRule{{Project: "p", Users: []string{"alice"}, Deny: true}})
			require.NoError(t, err)
			d.Permissions = acl
		})
		b, base := f.seed("p")
		ch := f.change(b, master, b.Chain(base, "c1")[0])
		res, err := f.submit(ch.ID, Options{})
		require.Error(t, err)
		assert.Equal(t, "insufficient permission to submit to refs/heads/master in project p", res.Outcomes[ch.ID].Reason)
	})

	t.Run("branch not found", func(t *testing.T) {
		f := newFixture(t, "projects: {}\n", nil)
		b, base := f.seed("p")
		ch := f.change(b, "refs/heads/nope", b.Chain(base, "c1")[0])
		res, err := f.submit(ch.ID, Options{})
		require.Error(t, err)
		assert.Equal(t, models.KindPolicy, res.Outcomes[ch.ID].Kind)
		assert.Equal(t, "destination branch refs/heads/nope not found", res.Outcomes[ch.ID].Reason)
	})

	t.Run("topic member blocks topic", func(t *testing.T) {
		f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) { c.WholeTopic = true })
		a, aBase := f.seed("a")
		b, bBase := f.seed("b")
		chA := f.change(a, master, a.Chain(aBase, "a1")[0], topic("t"))
		chB := f.change(b, master, b.Chain(bBase, "b1")[0], topic("t"), func(c *models.Change) {
			c.SubmitRecord = models.SubmitRecord{}
		})
		res, err := f.submit(chA.ID, Options{})
		require.Error(t, err)
		assert.Equal(t, "submit requirements not satisfied", res.Outcomes[chB.ID].Reason)
		assert.Equal(t, "Change could not be submitted because change 2 was rejected", res.Outcomes[chA.ID].Reason)
		assert.Equal(t, aBase, a.Tip(master))
	})
}

func TestMissingDependency(t *testing.T) {
	f := newFixture(t, "projects: {}\n", nil)
	b, base := f.seed("p")
	dangling := b.Chain(base, "unreviewed")[0]
	ch := f.change(b, master, b.Chain(dangling, "c1")[0])

	res, err := f.submit(ch.ID, Options{})
	require.Error(t, err)
	assert.Equal(t, "Depends on change that was not submitted.", res.Outcomes[ch.ID].Reason)
	assert.Equal(t, base, b.Tip(master))
}

// conflictPair makes master rewrite shared.txt and returns a conflicting and a clean change,
// both on the old base and in one topic.
func conflictPair(f *fixture) (*repotest.Builder, plumbing.Hash, *models.Change, *models.Change) {
	b, base := f.seed("p")
	tip := b.Commit("tip", []plumbing.Hash{base}, map[string]string{"shared.txt": "a\nY\nc\n"})
	b.SetBranch(master, tip)
	bad := b.Commit("conflicts", []plumbing.Hash{base}, map[string]string{"shared.txt": "a\nZ\nc\n"})
	good := b.Commit("clean", []plumbing.Hash{base}, map[string]string{"clean.txt": "ok\n"})
	return b, tip, f.change(b, master, bad, topic("t")), f.change(b, master, good, topic("t"))
}

func TestPathConflictFailsGroup(t *testing.T) {
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) { c.WholeTopic = true })
	b, tip, bad, good := conflictPair(f)

	res, err := f.submit(good.ID, Options{})
	require.Error(t, err)
	assert.Equal(t, models.KindContentConflict, res.Outcomes[bad.ID].Kind)
	assert.Contains(t, res.Outcomes[bad.ID].Reason, "path conflict")
	assert.Contains(t, res.Outcomes[bad.ID].Reason, "* shared.txt")
	assert.Equal(t, models.KindContentConflict, res.Outcomes[good.ID].Kind)
	assert.Equal(t, tip, b.Tip(master))
	assert.Equal(t, models.ChangeStatusNew, f.status(good.ID))
}

func TestCherryPickConflictFailsOnlyThatChange(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: CHERRY_PICK\n", func(c *Config, _ *Deps) { c.WholeTopic = true })
	b, tip, bad, good := conflictPair(f)

	res, err := f.submit(good.ID, Options{})
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	require.Len(t, se.Rejections, 1)
	assert.Equal(t, bad.ID, se.Rejections[0].ChangeID)
	assert.Equal(t, models.OutcomeMerged, res.Outcomes[good.ID].Status)

	newTip := b.Tip(master)
	assert.Equal(t, []plumbing.Hash{tip}, b.Parents(newTip))
	assert.Equal(t, newTip.String(), res.Outcomes[good.ID].Commit)
	assert.Equal(t, models.ChangeStatusMerged, f.status(good.ID))
	assert.Equal(t, models.ChangeStatusNew, f.status(bad.ID))
	assert.Equal(t, []string{"Change has been successfully cherry-picked as " + newTip.String()}, f.messages(good.ID))
}

func TestTopicConflictBlocksOtherProject(t *testing.T) {
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) { c.WholeTopic = true })
	feed, cancel := f.broker.Subscribe()
	defer cancel()
	p, pTip, bad, good := conflictPair(f)
	q, qBase := f.seed("q")
	other := f.change(q, master, q.Chain(qBase, "q1")[0], topic("t"))

	res, err := f.submit(other.ID, Options{})
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.KindContentConflict, se.Kind())
	require.Len(t, res.Outcomes, 3)
	for _, id := range []string{bad.ID, good.ID, other.ID} {
		assert.Equal(t, models.OutcomeRejected, res.Outcomes[id].Status, id)
		assert.Equal(t, models.ChangeStatusNew, f.status(id), id)
	}
	out := res.Outcomes[other.ID]
	assert.Equal(t, models.KindContentConflict, out.Kind)
	assert.Equal(t, "q", out.Project)
	assert.Equal(t, "Change could not be submitted because change "+bad.ID+" was rejected", out.Reason)
	assert.Equal(t, pTip, p.Tip(master))
	assert.Equal(t, qBase, q.Tip(master))
	for _, evt := range drain(feed) {
		assert.NotEqual(t, events.TypeChangeMerged, evt.Type)
	}
}

func TestCherryPickMergeWithParentOffBranch(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: CHERRY_PICK\n", nil)
	b, base := f.seed("p")
	side := b.Commit("side work", []plumbing.Hash{base}, map[string]string{"side.txt": "s\n"})
	merge := b.Commit("merge side work", []plumbing.Hash{base, side}, nil)
	ch := f.change(b, master, merge)

	res, err := f.submit(ch.ID, Options{})
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, models.KindPolicy, se.Kind())
	out := res.Outcomes[ch.ID]
	assert.Equal(t, models.OutcomeRejected, out.Status)
	assert.Equal(t, models.KindPolicy, out.Kind)
	assert.Equal(t, "Depends on change that was not submitted.", out.Reason)
	assert.Equal(t, base, b.Tip(master))
	assert.Equal(t, models.ChangeStatusNew, f.status(ch.ID))
}

func TestUnbornBranch(t *testing.T) {
	f := newFixture(t, "projects: {}\n", nil)
	b := f.env.Project("fresh")
	root := b.Commit("initial", nil, map[string]string{"README": "new\n"})
	ch := f.change(b, master, root)

	res, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	assert.True(t, res.AllMerged())
	assert.Equal(t, root, b.Tip(master))
}

func TestMergeWarmsAutoMergeCache(t *testing.T) {
	f := newFixture(t, "projects:\n  p:\n    submitType: MERGE_ALWAYS\n", func(_ *Config, d *Deps) {
		cache, err := automerge.New(d.Refs, automerge.Options{Size: 16, Persist: true})
		require.NoError(t, err)
		d.AutoMerge = cache
	})
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])

	_, err := f.submit(ch.ID, Options{})
	require.NoError(t, err)
	_, err = f.env.Refs.Resolve(context.Background(), "p", automerge.RefName(b.Tip(master)))
	assert.NoError(t, err)
}

func TestUnknownChange(t *testing.T) {
	f := newFixture(t, "projects: {}\n", nil)
	_, err := f.submit("404", Options{})
	assert.True(t, errors.Is(err, storage.ErrChangeNotFound))
}

func TestCanceledContext(t *testing.T) {
	f := newFixture(t, "projects: {}\n", nil)
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.coord.Submit(ctx, ch.ID, "alice", Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, base, b.Tip(master))
	assert.Empty(t, f.messages(ch.ID))
}

func TestBranchLockedByAnotherSubmission(t *testing.T) {
	f := newFixture(t, "projects: {}\n", func(c *Config, _ *Deps) { c.LockTimeout = 50 * time.Millisecond })
	b, base := f.seed("p")
	ch := f.change(b, master, b.Chain(base, "c1")[0])
	key := models.BranchKey{Project: "p", Branch: master}
	require.NoError(t, f.store.LockBranches(context.Background(), "other", []models.BranchKey{key}, time.Minute))

	res, err := f.submit(ch.ID, Options{})
	assert.True(t, IsRetryable(err))
	assert.Equal(t, models.KindRetryExhausted, res.Outcomes[ch.ID].Kind)

	f.store.UnlockBranches(context.Background(), "other", []models.BranchKey{key})
	_, err = f.submit(ch.ID, Options{})
	assert.NoError(t, err)
}

func TestPoolSubmitAll(t *testing.T) {
	f := newFixture(t, "projects: {}\n", nil)
	a, aBase := f.seed("a")
	b, bBase := f.seed("b")
	chA := f.change(a, master, a.Chain(aBase, "a1")[0])
	chB := f.change(b, master, b.Chain(bBase, "b1")[0])

	pool := NewPool(f.coord, 2)
	assert.Equal(t, 2, pool.Workers())
	resps := pool.SubmitAll(context.Background(), []Request{
		{ChangeID: chA.ID, Submitter: "alice"},
		{ChangeID: chB.ID, Submitter: "alice"},
		{ChangeID: "missing", Submitter: "alice"},
	})
	require.Len(t, resps, 3)
	assert.NoError(t, resps[0].Err)
	assert.NoError(t, resps[1].Err)
	assert.ErrorIs(t, resps[2].Err, storage.ErrChangeNotFound)
	assert.True(t, resps[0].Result.AllMerged())
	assert.True(t, resps[1].Result.AllMerged())
}
