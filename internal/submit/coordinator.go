// Package submit coordinates submissions: it turns approved changes into branch updates applied
// as one atomic batch of compare-and-swap ref updates.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/niczy/gitsubmit/internal/automerge"
	"github.com/niczy/gitsubmit/internal/events"
	"github.com/niczy/gitsubmit/internal/implicitmerge"
	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/policy"
	"github.com/niczy/gitsubmit/internal/project"
	"github.com/niczy/gitsubmit/internal/repo"
	"github.com/niczy/gitsubmit/internal/storage"
	"github.com/niczy/gitsubmit/internal/submodule"
)

const defaultMaxAttempts = 5

// LockFailureInjector runs before each ref batch of a submission that allows injection. It may
// move refs to simulate a concurrent push, or return an error matching repo.ErrLockFailure to fail
// the attempt outright.
type LockFailureInjector func(ctx context.Context, attempt int, updates []repo.RefUpdate) error

// Config tunes the coordinator.
type Config struct {
	// MaxAttempts bounds how often the batch is recomputed after lock failures.
	MaxAttempts int
	// LockTimeout bounds the wait for branch locks held by other submissions.
	LockTimeout time.Duration
	// LockLease is how long a held branch lock survives without renewal. The lease is renewed
	// before every retry.
	LockLease  time.Duration
	WholeTopic bool

	ImplicitMerge implicitmerge.Policy

	// CanonicalWebURL enables Reviewed-on footers on cherry-picks.
	CanonicalWebURL string
	// Name and Email identify the server as committer.
	Name  string
	Email string

	SubmoduleVerbosity     submodule.Verbosity
	MaxSubscriptionCommits int

	LockFailureInjector LockFailureInjector
	Logger              *zerolog.Logger
	Now                 func() time.Time
}

// Deps are the collaborators of a coordinator. AutoMerge and Events are optional.
type Deps struct {
	Storage     storage.Storage
	Repos       *repo.Manager
	Refs        repo.RefDatabase
	Projects    project.Provider
	Approvals   policy.ApprovalOracle
	Permissions policy.PermissionOracle
	AutoMerge   *automerge.Cache
	Events      *events.Broker
}

// Options are per-submission switches.
type Options struct {
	// AllowLockFailureInjection enables the configured LockFailureInjector. Test harnesses only.
	AllowLockFailureInjection bool
}

// Coordinator runs submissions.
type Coordinator struct {
	store     storage.Storage
	repos     *repo.Manager
	refs      repo.RefDatabase
	projects  project.Provider
	approvals policy.ApprovalOracle
	perms     policy.PermissionOracle
	automerge *automerge.Cache
	events    *events.Broker

	subs     *submodule.Graph
	updater  *submodule.Updater
	detector *implicitmerge.Detector

	cfg    Config
	logger zerolog.Logger
}

// New creates a coordinator.
func New(deps Deps, cfg Config) (*Coordinator, error) {
	if deps.Storage == nil || deps.Repos == nil || deps.Refs == nil || deps.Projects == nil {
		return nil, errors.New("submit: storage, repositories, refs and projects are required")
	}
	if deps.Approvals == nil {
		deps.Approvals = policy.RecordOracle{}
	}
	if deps.Permissions == nil {
		deps.Permissions = policy.AllowAll{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = storage.DefaultLockTTL
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = storage.DefaultLockTTL
	}
	if cfg.Name == "" {
		cfg.Name = "Code Review"
	}
	if cfg.Email == "" {
		cfg.Email = "noreply@gitsubmit.local"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Component("submit")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Coordinator{
		store:     deps.Storage,
		repos:     deps.Repos,
		refs:      deps.Refs,
		projects:  deps.Projects,
		approvals: deps.Approvals,
		perms:     deps.Permissions,
		automerge: deps.AutoMerge,
		events:    deps.Events,
		subs:      submodule.NewGraph(deps.Projects, deps.Refs, &logger),
		updater: submodule.NewUpdater(deps.Repos, deps.Refs, submodule.UpdaterOptions{
			Verbosity:  cfg.SubmoduleVerbosity,
			MaxCommits: cfg.MaxSubscriptionCommits,
			Name:       cfg.Name,
			Email:      cfg.Email,
			Logger:     &logger,
		}),
		detector: implicitmerge.NewDetector(&logger),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Subscriptions exposes the subscription graph used for propagation.
func (c *Coordinator) Subscriptions() *submodule.Graph {
	return c.subs
}

// submission is the state of one Submit call.
type submission struct {
	id        string
	submitter string
	opts      Options
	now       time.Time
	result    *models.SubmitResult
	logger    zerolog.Logger
}

// verdict is a pending rejection.
type verdict struct {
	kind   models.OutcomeKind
	reason string
}

// Submit submits changeID together with its open same-branch ancestors, or with its whole topic
// when whole-topic submission is enabled. Every change of the unit ends MERGED or REJECTED in the
// result; a result with rejections is returned together with a *SubmitError. Other errors mean
// the submission could not be evaluated and nothing was written.
func (c *Coordinator) Submit(ctx context.Context, changeID, submitter string, opts Options) (*models.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &submission{
		id:        uuid.NewString(),
		submitter: submitter,
		opts:      opts,
		now:       c.cfg.Now().UTC(),
	}
	s.result = &models.SubmitResult{
		SubmissionID: s.id,
		Outcomes:     make(map[string]*models.Outcome),
		SubmittedAt:  s.now,
	}
	s.logger = c.logger.With().Str("submission", s.id).Str("change", changeID).Logger()

	seed, err := c.store.GetChange(ctx, changeID)
	if err != nil {
		return nil, fmt.Errorf("load change %s: %w", changeID, err)
	}
	switch seed.Status {
	case models.ChangeStatusMerged:
		s.logger.Info().Msg("change already merged")
		s.result.Outcomes[seed.ID] = rejected(seed, verdict{kind: models.KindPolicy, reason: ReasonAlreadyMerged})
		return s.result, errorFor(s.result)
	case models.ChangeStatusAbandoned:
		s.result.Outcomes[seed.ID] = rejected(seed, verdict{kind: models.KindPolicy, reason: ReasonAbandoned})
		return s.result, errorFor(s.result)
	}

	u, err := c.collect(ctx, seed)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("changes", len(u.changes)).Bool("whole_topic", u.wholeTopic).Msg("submission collected")

	verdicts, err := c.precheck(ctx, s, u)
	if err != nil {
		return nil, err
	}
	if len(verdicts) > 0 {
		return c.abort(ctx, s, u, verdicts)
	}

	keys := u.keys()
	if err := c.lock(ctx, s, keys); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return c.abort(ctx, s, u, blockAll(u, nil, verdict{
				kind:   models.KindRetryExhausted,
				reason: "branch is locked by another submission, try again later",
			}))
		}
		return nil, err
	}
	defer c.store.UnlockBranches(context.WithoutCancel(ctx), s.id, keys)

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		s.result.Attempts = attempt
		if attempt > 1 {
			if err := c.store.LockBranches(ctx, s.id, keys, c.cfg.LockLease); err != nil {
				if errors.Is(err, storage.ErrLockHeld) {
					s.logger.Warn().Int("attempt", attempt).Msg("branch lock lease lost")
					return c.abort(ctx, s, u, blockAll(u, nil, verdict{
						kind:   models.KindRetryExhausted,
						reason: "branch lock expired during submission, try again later",
					}))
				}
				return nil, err
			}
		}
		a, err := c.attempt(ctx, s, u)
		if err != nil {
			return nil, err
		}
		if len(a.rejected) == len(u.changes) {
			return c.abort(ctx, s, u, a.rejected)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err = c.apply(ctx, s, attempt, a.updates)
		if errors.Is(err, repo.ErrLockFailure) {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("ref batch lost a race, retrying")
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Int("attempt", attempt).Msg("ref batch failed")
			return c.abort(ctx, s, u, blockAll(u, nil, verdict{kind: models.KindInternal, reason: err.Error()}))
		}
		return c.commit(ctx, s, u, a)
	}

	s.logger.Warn().Int("attempts", c.cfg.MaxAttempts).Msg("submission exhausted its attempts")
	return c.abort(ctx, s, u, blockAll(u, nil, verdict{
		kind:   models.KindRetryExhausted,
		reason: fmt.Sprintf("submit failed after %d attempts due to concurrent ref updates, try again later", c.cfg.MaxAttempts),
	}))
}

// lock takes the branch locks of the unit, polling until LockTimeout while another submission
// holds one of them.
func (c *Coordinator) lock(ctx context.Context, s *submission, keys []models.BranchKey) error {
	deadline := time.Now().Add(c.cfg.LockTimeout)
	wait := 10 * time.Millisecond
	for {
		err := c.store.LockBranches(ctx, s.id, keys, c.cfg.LockLease)
		if !errors.Is(err, storage.ErrLockHeld) || time.Now().Add(wait).After(deadline) {
			return err
		}
		s.logger.Debug().Dur("wait", wait).Msg("branch locked, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 200*time.Millisecond {
			wait *= 2
		}
	}
}

// apply writes the batch. The batch is not cancellable once started.
func (c *Coordinator) apply(ctx context.Context, s *submission, attempt int, updates []repo.RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if s.opts.AllowLockFailureInjection && c.cfg.LockFailureInjector != nil {
		if err := c.cfg.LockFailureInjector(ctx, attempt, updates); err != nil {
			return err
		}
	}
	return c.refs.BatchUpdate(context.WithoutCancel(ctx), updates)
}

// blockAll rejects every change of u without a verdict, naming the first rejected change as the
// cause when there is one.
func blockAll(u *unit, verdicts map[string]verdict, fallback verdict) map[string]verdict {
	out := make(map[string]verdict, len(u.changes))
	cause := ""
	for _, ch := range u.list() {
		if v, ok := verdicts[ch.ID]; ok {
			out[ch.ID] = v
			if cause == "" {
				cause = ch.ID
				fallback.kind = v.kind
			}
		}
	}
	for _, ch := range u.list() {
		if _, ok := out[ch.ID]; ok {
			continue
		}
		v := fallback
		if cause != "" {
			v.reason = fmt.Sprintf("Change could not be submitted because change %s was rejected", cause)
		}
		out[ch.ID] = v
	}
	return out
}

func rejected(ch *models.Change, v verdict) *models.Outcome {
	return &models.Outcome{
		ChangeID: ch.ID,
		Project:  ch.Project,
		Branch:   ch.Branch,
		Status:   models.OutcomeRejected,
		Kind:     v.kind,
		Reason:   v.reason,
	}
}
