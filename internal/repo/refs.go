package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// RefUpdate is one compare-and-swap ref change. A zero Old requires the ref to be absent; a zero
// New deletes it.
type RefUpdate struct {
	Project string
	Ref     string
	Old     plumbing.Hash
	New     plumbing.Hash
}

func (u RefUpdate) String() string {
	return fmt.Sprintf("%s %s %s..%s", u.Project, u.Ref, shortOrZero(u.Old), shortOrZero(u.New))
}

func shortOrZero(h plumbing.Hash) string {
	if h.IsZero() {
		return "0000000"
	}
	return Abbrev(h)
}

// LockFailureError reports a ref whose current value did not match the expected old value.
type LockFailureError struct {
	Update RefUpdate
	Actual plumbing.Hash
}

func (e *LockFailureError) Error() string {
	return fmt.Sprintf("lock failure on %s %s: expected %s, found %s",
		e.Update.Project, e.Update.Ref, shortOrZero(e.Update.Old), shortOrZero(e.Actual))
}

func (e *LockFailureError) Unwrap() error {
	return ErrLockFailure
}

// RefDatabase reads refs and applies atomic batches of compare-and-swap updates across projects.
type RefDatabase interface {
	Resolve(ctx context.Context, project, ref string) (plumbing.Hash, error)
	List(ctx context.Context, project, prefix string) (map[string]plumbing.Hash, error)
	// BatchUpdate applies every update or none. A concurrent change to any ref fails the whole
	// batch with an error matching ErrLockFailure.
	BatchUpdate(ctx context.Context, updates []RefUpdate) error
}

// Lookup resolves a ref and returns the zero hash when it does not exist.
func Lookup(ctx context.Context, db RefDatabase, project, ref string) (plumbing.Hash, error) {
	h, err := db.Resolve(ctx, project, ref)
	if errors.Is(err, ErrRefNotFound) {
		return plumbing.ZeroHash, nil
	}
	return h, err
}

// UpdateRef moves one ref to newHash from whatever value it currently has, the way an
// administrative push would.
func UpdateRef(ctx context.Context, db RefDatabase, project, ref string, newHash plumbing.Hash) error {
	old, err := Lookup(ctx, db, project, ref)
	if err != nil {
		return err
	}
	return db.BatchUpdate(ctx, []RefUpdate{{Project: project, Ref: ref, Old: old, New: newHash}})
}

// GitRefDatabase keeps refs in each project's go-git storer. Batches are serialized by one mutex,
// and every repository in a batch is write-locked while it is verified and applied.
type GitRefDatabase struct {
	mgr *Manager
	mu  sync.Mutex
}

// NewGitRefDatabase creates a ref database over the manager's repositories.
func NewGitRefDatabase(mgr *Manager) *GitRefDatabase {
	return &GitRefDatabase{mgr: mgr}
}

// Resolve returns the commit a ref points at.
func (d *GitRefDatabase) Resolve(ctx context.Context, project, ref string) (plumbing.Hash, error) {
	r, err := d.mgr.Open(project)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(ref)
}

func (r *Repository) resolveLocked(ref string) (plumbing.Hash, error) {
	resolved, err := storer.ResolveReference(r.repo.Storer, plumbing.ReferenceName(ref))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, fmt.Errorf("%w: %s %s", ErrRefNotFound, r.name, ref)
		}
		return plumbing.ZeroHash, err
	}
	return resolved.Hash(), nil
}

// List returns hash refs under prefix.
func (d *GitRefDatabase) List(ctx context.Context, project, prefix string) (map[string]plumbing.Hash, error) {
	r, err := d.mgr.Open(project)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	iter, err := r.repo.Storer.IterReferences()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name().String()
		if strings.HasPrefix(name, prefix) {
			out[name] = ref.Hash()
		}
		return nil
	})
	return out, err
}

// BatchUpdate verifies every expected old value, then applies all updates.
func (d *GitRefDatabase) BatchUpdate(ctx context.Context, updates []RefUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	repos := make(map[string]*Repository)
	for _, u := range updates {
		if _, ok := repos[u.Project]; ok {
			continue
		}
		r, err := d.mgr.Open(u.Project)
		if err != nil {
			return err
		}
		repos[u.Project] = r
	}
	names := make([]string, 0, len(repos))
	for name := range repos {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		repos[name].mu.Lock()
	}
	defer func() {
		for _, name := range names {
			repos[name].mu.Unlock()
		}
	}()

	previous := make([]plumbing.Hash, len(updates))
	for i, u := range updates {
		current, err := repos[u.Project].resolveLocked(u.Ref)
		if err != nil && !errors.Is(err, ErrRefNotFound) {
			return err
		}
		if current != u.Old {
			return &LockFailureError{Update: u, Actual: current}
		}
		previous[i] = current
	}

	for i, u := range updates {
		if err := repos[u.Project].setRefLocked(u.Ref, u.New); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = repos[updates[j].Project].setRefLocked(updates[j].Ref, previous[j])
			}
			return fmt.Errorf("apply %s: %w", u, err)
		}
	}
	return nil
}

func (r *Repository) setRefLocked(ref string, h plumbing.Hash) error {
	name := plumbing.ReferenceName(ref)
	if h.IsZero() {
		return r.repo.Storer.RemoveReference(name)
	}
	return r.repo.Storer.SetReference(plumbing.NewHashReference(name, h))
}
