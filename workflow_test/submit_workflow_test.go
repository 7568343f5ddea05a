package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/niczy/gitsubmit/internal/config"
	"github.com/niczy/gitsubmit/internal/events"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/server"
	adminservice "github.com/niczy/gitsubmit/internal/services/admin"
	submitservice "github.com/niczy/gitsubmit/internal/services/submit"
)

func TestSubmitChainOverGRPC(t *testing.T) {
	h := newHarness(t, "projects: {}\n", nil)
	ctx := context.Background()
	b, base := h.seed("platform")
	chain := b.Chain(base, "one", "two")
	first := h.createChange(t, "platform", chain[0], "")
	second := h.createChange(t, "platform", chain[1], "")
	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)

	resp, err := h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: second, Submitter: "bob"})
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	require.Len(t, resp.Result.Outcomes, 2)
	assert.Equal(t, models.OutcomeMerged, resp.Result.Outcomes[first].Status)
	assert.Equal(t, chain[1].String(), resp.Result.Outcomes[second].Commit)
	assert.Equal(t, chain[1], b.Tip(master))

	got, err := h.submit.GetChange(ctx, &submitservice.GetChangeRequest{ChangeID: first})
	require.NoError(t, err)
	assert.Equal(t, models.ChangeStatusMerged, got.Change.Status)
	assert.Equal(t, "bob", got.Change.Submitter)
	assert.Equal(t, "one", got.Change.Subject)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "Change has been successfully merged", got.Messages[0].Message)

	merged, err := h.admin.ListChanges(ctx, &adminservice.ListChangesRequest{Project: "platform", Status: "MERGED"})
	require.NoError(t, err)
	assert.Len(t, merged.Changes, 2)
	open, err := h.admin.ListChanges(ctx, &adminservice.ListChangesRequest{Status: "NEW"})
	require.NoError(t, err)
	assert.Empty(t, open.Changes)

	resp, err = h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: first})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "change is already merged")
	assert.False(t, resp.Retryable)
}

func TestRejectionIsReportedInResponse(t *testing.T) {
	h := newHarness(t, "projects:\n  p:\n    submitType: FAST_FORWARD_ONLY\n", nil)
	b, base := h.seed("p")
	tip := b.Commit("moved", []plumbing.Hash{base}, map[string]string{"moved.txt": "m\n"})
	b.SetBranch(master, tip)
	id := h.createChange(t, "p", b.Chain(base, "stale")[0], "")

	resp, err := h.submit.Submit(context.Background(), &submitservice.SubmitRequest{ChangeID: id})
	require.NoError(t, err)
	assert.Contains(t, resp.Error, "Failed to submit 1 change(s) due to the following problems:")
	assert.Equal(t, models.KindContentConflict, resp.Result.Outcomes[id].Kind)
	assert.Equal(t, tip, b.Tip(master))
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t, "projects: {}\n", nil)
	ctx := context.Background()

	_, err := h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.submit.Submit(ctx, &submitservice.SubmitRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.submit.GetChange(ctx, &submitservice.GetChangeRequest{ChangeID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.admin.CreateChange(ctx, &adminservice.CreateChangeRequest{Project: "nope", Branch: "master", Commit: plumbing.ZeroHash.String()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.admin.ListChanges(ctx, &adminservice.ListChangesRequest{Status: "SOMEDAY"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestWatchSubmissions(t *testing.T) {
	h := newHarness(t, "projects: {}\n", nil)
	b, base := h.seed("p")
	other, otherBase := h.seed("q")
	id := h.createChange(t, "p", b.Chain(base, "feature")[0], "")
	ignored := h.createChange(t, "q", other.Chain(otherBase, "elsewhere")[0], "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stream, err := h.admin.WatchSubmissions(ctx, &adminservice.WatchSubmissionsRequest{Project: "p"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.stack.Events.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: ignored})
	require.NoError(t, err)
	resp, err := h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: id})
	require.NoError(t, err)

	evt, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, events.TypeChangeMerged, evt.Type)
	assert.Equal(t, id, evt.ChangeID)
	assert.Equal(t, resp.Result.SubmissionID, evt.SubmissionID)
	assert.NotEmpty(t, evt.ID)
}

func TestSubscriptionsAndAutoMergeAdmin(t *testing.T) {
	h := newHarness(t, `
projects:
  app:
    submitType: MERGE_ALWAYS
  a:
    subscriptions:
      - branch: refs/heads/master
        superproject: b
        path: a
  b:
    subscriptions:
      - branch: refs/heads/master
        superproject: a
        path: b
`, nil)
	ctx := context.Background()
	h.seed("a")
	h.seed("b")

	valid, err := h.admin.ValidateSubscriptions(ctx)
	require.NoError(t, err)
	assert.False(t, valid.Valid)
	assert.Contains(t, valid.Error, "circular subscriptions detected")

	b, base := h.seed("app")
	id := h.createChange(t, "app", b.Chain(base, "feature")[0], "")
	_, err = h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: id})
	require.NoError(t, err)
	mergeCommit := b.Tip(master)
	require.Len(t, b.Parents(mergeCommit), 2)

	diff, err := h.admin.AutoMergeDiff(ctx, &adminservice.AutoMergeDiffRequest{Project: "app", Commit: mergeCommit.String()})
	require.NoError(t, err)
	assert.Empty(t, diff.Paths)
	assert.NotEmpty(t, diff.Base)

	plain, err := h.admin.AutoMergeDiff(ctx, &adminservice.AutoMergeDiffRequest{Project: "app", Commit: b.Parents(mergeCommit)[1].String()})
	require.NoError(t, err)
	assert.Equal(t, base.String(), plain.Base)
	assert.Equal(t, []string{"feature.txt"}, plain.Paths)

	rebuilt, err := h.admin.RebuildIndexes(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt.Rebuilt)
}

func TestLockFailureInjectionOverGRPC(t *testing.T) {
	var pushes int
	h := newHarness(t, "projects: {}\n", func(cfg *config.Config, opts *server.Options) {
		cfg.Submit.WholeTopic = true
		opts.LockFailureInjector = func(ctx context.Context, attempt int, updates []repo.RefUpdate) error {
			pushes++
			return fmt.Errorf("attempt %d: %w", attempt, repo.ErrLockFailure)
		}
	})
	a, aBase := h.seed("a")
	b, bBase := h.seed("b")
	first := h.createChange(t, "a", a.Chain(aBase, "a1")[0], "shared")
	second := h.createChange(t, "b", b.Chain(bBase, "b1")[0], "shared")
	ctx := context.Background()

	resp, err := h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: first, AllowLockFailureInjection: true})
	require.NoError(t, err)
	assert.True(t, resp.Retryable)
	assert.Equal(t, 3, resp.Result.Attempts)
	assert.Equal(t, 3, pushes)
	for _, id := range []string{first, second} {
		assert.Equal(t, models.KindRetryExhausted, resp.Result.Outcomes[id].Kind)
	}
	assert.Equal(t, aBase, a.Tip(master))
	assert.Equal(t, bBase, b.Tip(master))

	resp, err = h.submit.Submit(ctx, &submitservice.SubmitRequest{ChangeID: second})
	require.NoError(t, err)
	assert.Empty(t, resp.Error)
	assert.True(t, resp.Result.AllMerged())
	assert.Equal(t, 3, pushes)
}

func TestConcurrentSubmissionsSerializePerBranch(t *testing.T) {
	h := newHarness(t, "projects: {}\n", nil)
	b, base := h.seed("p")
	var ids []string
	for i := 0; i < 4; i++ {
		c := b.Commit(fmt.Sprintf("change %d", i), []plumbing.Hash{base}, map[string]string{fmt.Sprintf("f%d.txt", i): "x\n"})
		ids = append(ids, h.createChange(t, "p", c, ""))
	}

	errs := make(chan error, len(ids))
	for _, id := range ids {
		go func(id string) {
			resp, err := h.submit.Submit(context.Background(), &submitservice.SubmitRequest{ChangeID: id})
			if err == nil && resp.Error != "" {
				err = errors.New(resp.Error)
			}
			errs <- err
		}(id)
	}
	for range ids {
		require.NoError(t, <-errs)
	}

	files := b.Files(b.Tip(master))
	for i := range ids {
		assert.Contains(t, files, fmt.Sprintf("f%d.txt", i))
	}
}
