package submodule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/repo"
)

// Verbosity selects how much submodule history a superproject commit message carries.
type Verbosity int

const (
	// VerboseFull lists the full message of every new submodule commit.
	VerboseFull Verbosity = iota
	// VerboseSubjectOnly lists subjects only.
	VerboseSubjectOnly
	// VerboseOff writes the header line only.
	VerboseOff
)

// ParseVerbosity accepts TRUE, SUBJECT_ONLY and FALSE.
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TRUE":
		return VerboseFull, nil
	case "SUBJECT_ONLY":
		return VerboseSubjectOnly, nil
	case "FALSE":
		return VerboseOff, nil
	}
	return 0, fmt.Errorf("unknown superproject update verbosity %q", s)
}

const defaultMaxCommits = 1000

// UpdaterOptions configures superproject commits.
type UpdaterOptions struct {
	Verbosity Verbosity
	// MaxCommits bounds the submodule commits listed per superproject commit.
	MaxCommits int
	Name       string
	Email      string
	Logger     *zerolog.Logger
}

// GitlinkChange is one submodule pointer moved by an update.
type GitlinkChange struct {
	Path string
	Sub  models.BranchKey
	Old  plumbing.Hash
	New  plumbing.Hash
}

// Update is a new commit on a superproject branch.
type Update struct {
	Super    models.BranchKey
	OldTip   plumbing.Hash
	NewTip   plumbing.Hash
	Gitlinks []GitlinkChange
}

// Skipped is a superproject branch left alone because its gitlinks could not be updated safely.
type Skipped struct {
	Super models.BranchKey
	Err   error
}

// Outcome is the result of propagating one set of branch updates.
type Outcome struct {
	Updates []*Update
	Skipped []Skipped
}

// Updater writes superproject commits for a Plan.
type Updater struct {
	mgr    *repo.Manager
	refs   repo.RefDatabase
	opts   UpdaterOptions
	logger zerolog.Logger
}

// NewUpdater creates an updater.
func NewUpdater(mgr *repo.Manager, refs repo.RefDatabase, opts UpdaterOptions) *Updater {
	if opts.MaxCommits <= 0 {
		opts.MaxCommits = defaultMaxCommits
	}
	if opts.Name == "" {
		opts.Name = "Code Review"
	}
	if opts.Email == "" {
		opts.Email = "noreply@gitsubmit.local"
	}
	logger := logging.Component("submodule")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Updater{mgr: mgr, refs: refs, opts: opts, logger: logger}
}

// Update creates at most one commit per superproject branch in plan. tips holds the new tips of
// the updated branches and any superproject branch already moved by the submission; it is
// extended with every commit created so chained subscriptions see their submodule's new tip.
// Superproject branches whose gitlinks cannot be read are skipped and reported.
func (u *Updater) Update(ctx context.Context, plan *Plan, tips map[models.BranchKey]plumbing.Hash, now time.Time) (*Outcome, error) {
	out := &Outcome{}
	if plan.Empty() {
		return out, nil
	}
	for _, super := range plan.Order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		upd, err := u.updateBranch(ctx, super, plan.Sources[super], tips, now)
		var structural *structuralError
		if errors.As(err, &structural) {
			u.logger.Warn().Err(err).Str("project", super.Project).Str("branch", super.Branch).
				Msg("skipping superproject update")
			out.Skipped = append(out.Skipped, Skipped{Super: super, Err: structural.err})
			continue
		}
		if err != nil {
			return nil, err
		}
		if upd == nil {
			continue
		}
		tips[super] = upd.NewTip
		out.Updates = append(out.Updates, upd)
	}
	return out, nil
}

type structuralError struct {
	err error
}

func (e *structuralError) Error() string { return e.err.Error() }
func (e *structuralError) Unwrap() error { return e.err }

func (u *Updater) updateBranch(ctx context.Context, super models.BranchKey, sources []models.SubscriptionTarget, tips map[models.BranchKey]plumbing.Hash, now time.Time) (*Update, error) {
	tip, ok := tips[super]
	if !ok {
		var err error
		if tip, err = repo.Lookup(ctx, u.refs, super.Project, super.Branch); err != nil {
			return nil, err
		}
	}
	if tip.IsZero() {
		u.logger.Debug().Str("project", super.Project).Str("branch", super.Branch).Msg("superproject branch does not exist")
		return nil, nil
	}
	sr, err := u.mgr.Open(super.Project)
	if err != nil {
		return nil, &structuralError{err: err}
	}
	tree, err := sr.TreeOf(tip)
	if err != nil {
		return nil, err
	}
	modules, err := sr.ReadSubmodules(tree)
	if err != nil {
		return nil, &structuralError{err: fmt.Errorf("parse %s: %w", repo.GitModulesFile, err)}
	}

	upd := &Update{Super: super, OldTip: tip}
	changes := make(map[string]*object.TreeEntry)
	for _, src := range sources {
		newSub, ok := tips[src.Sub]
		if !ok || newSub.IsZero() {
			continue
		}
		path := modulePath(modules, src)
		old, err := sr.ReadGitlink(tree, path)
		switch {
		case errors.Is(err, repo.ErrPathNotFound):
			old = plumbing.ZeroHash
		case errors.Is(err, repo.ErrNotGitlink):
			return nil, &structuralError{err: err}
		case err != nil:
			return nil, err
		}
		if old == newSub {
			continue
		}
		if prev, dup := changes[path]; dup && prev.Hash != newSub {
			return nil, &structuralError{err: fmt.Errorf("conflicting gitlink updates for %s", path)}
		}
		changes[path] = &object.TreeEntry{Mode: filemode.Submodule, Hash: newSub}
		upd.Gitlinks = append(upd.Gitlinks, GitlinkChange{Path: path, Sub: src.Sub, Old: old, New: newSub})
	}
	if len(upd.Gitlinks) == 0 {
		return nil, nil
	}

	msg, err := u.message(upd.Gitlinks)
	if err != nil {
		return nil, err
	}
	newTree, err := sr.UpdateTree(tree, changes)
	if err != nil {
		return nil, err
	}
	sig := repo.Signature(u.opts.Name, u.opts.Email, now)
	h, err := sr.WriteCommit(&object.Commit{
		TreeHash:     newTree,
		Author:       sig,
		Committer:    sig,
		Message:      msg,
		ParentHashes: []plumbing.Hash{tip},
	})
	if err != nil {
		return nil, err
	}
	upd.NewTip = h
	u.logger.Info().Str("project", super.Project).Str("branch", super.Branch).
		Int("gitlinks", len(upd.Gitlinks)).Str("commit", h.String()).Msg("superproject updated")
	return upd, nil
}

// modulePath prefers the .gitmodules entry for the submodule project over the declared path.
func modulePath(modules []repo.Submodule, src models.SubscriptionTarget) string {
	for _, m := range modules {
		if m.Path == src.Path {
			return m.Path
		}
	}
	for _, m := range modules {
		if m.Project() == src.Sub.Project && (m.Branch == "" || m.Branch == "." ||
			models.FullBranchName(m.Branch) == src.Sub.Branch) {
			return m.Path
		}
	}
	return src.Path
}

// message renders the superproject commit message for a set of gitlink changes.
func (u *Updater) message(changes []GitlinkChange) (string, error) {
	var b strings.Builder
	b.WriteString("Update git submodules\n\n")
	if u.opts.Verbosity == VerboseOff {
		return b.String(), nil
	}
	budget := u.opts.MaxCommits
	truncated := false
	for i, c := range changes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "* Update %s from branch '%s'\n  to %s", c.Path, models.ShortBranchName(c.Sub.Branch), c.New)
		if c.Old.IsZero() {
			continue
		}
		logs, err := u.log(c, budget)
		if err != nil {
			return "", err
		}
		for _, l := range logs.lines {
			b.WriteString("\n  - " + l)
		}
		budget -= len(logs.lines)
		truncated = truncated || logs.truncated
	}
	if truncated {
		b.WriteString("\n\n[...]")
	}
	return b.String(), nil
}

type logLines struct {
	lines     []string
	truncated bool
}

// log lists the submodule commits between the old and new gitlink, newest first.
func (u *Updater) log(c GitlinkChange, budget int) (logLines, error) {
	var out logLines
	sub, err := u.mgr.Open(c.Sub.Project)
	if err != nil {
		return out, err
	}
	commits, err := sub.Arena().Introduced([]plumbing.Hash{c.New}, []plumbing.Hash{c.Old})
	if err != nil {
		return out, err
	}
	for _, h := range commits {
		if len(out.lines) >= budget {
			out.truncated = true
			break
		}
		cm, err := sub.Commit(h)
		if err != nil {
			return out, err
		}
		switch u.opts.Verbosity {
		case VerboseSubjectOnly:
			out.lines = append(out.lines, repo.Subject(cm.Message))
		default:
			msg := strings.TrimRight(cm.Message, "\n")
			out.lines = append(out.lines, strings.ReplaceAll(msg, "\n", "\n    "))
		}
	}
	return out, nil
}
