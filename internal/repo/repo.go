// Package repo is the commit graph accessor: per-project go-git repositories, tree and commit
// plumbing, three-way merges and compare-and-swap ref updates.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/niczy/gitsubmit/internal/graph"
)

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrRepositoryExists   = errors.New("repository already exists")
	ErrRefNotFound        = errors.New("ref not found")
	ErrLockFailure        = errors.New("lock failure")
	ErrPathNotFound       = errors.New("path not found")
	ErrNotGitlink         = errors.New("path is not a gitlink")
	ErrInvalidProject     = errors.New("invalid project name")
)

const (
	defaultParentCacheSize = 4096
	generationCacheFactor  = 16
)

// ManagerOptions configures where repositories live.
type ManagerOptions struct {
	// Root is the directory holding bare repositories. Empty keeps every repository in memory.
	Root string
	// ParentCacheSize bounds the per-repository commit parent cache.
	ParentCacheSize int
}

// Manager owns the repositories of all projects.
type Manager struct {
	mu    sync.RWMutex
	opts  ManagerOptions
	repos map[string]*Repository
}

// NewManager creates a repository manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.ParentCacheSize <= 0 {
		opts.ParentCacheSize = defaultParentCacheSize
	}
	return &Manager{opts: opts, repos: make(map[string]*Repository)}
}

// Create initializes an empty repository for project.
func (m *Manager) Create(project string) (*Repository, error) {
	if err := validateProject(project); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.repos[project]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryExists, project)
	}

	var (
		gr  *git.Repository
		err error
	)
	if m.opts.Root == "" {
		gr, err = git.Init(memory.NewStorage(), nil)
	} else {
		path := m.pathFor(project)
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryExists, project)
		}
		gr, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("init repository %s: %w", project, err)
	}

	r, err := newRepository(project, gr, m.opts.ParentCacheSize)
	if err != nil {
		return nil, err
	}
	m.repos[project] = r
	return r, nil
}

// Open returns the repository for project, loading on-disk repositories lazily.
func (m *Manager) Open(project string) (*Repository, error) {
	m.mu.RLock()
	r, ok := m.repos[project]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}
	if m.opts.Root == "" {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, project)
	}
	if err := validateProject(project); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.repos[project]; ok {
		return r, nil
	}
	gr, err := git.PlainOpen(m.pathFor(project))
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, project)
		}
		return nil, fmt.Errorf("open repository %s: %w", project, err)
	}
	r, err = newRepository(project, gr, m.opts.ParentCacheSize)
	if err != nil {
		return nil, err
	}
	m.repos[project] = r
	return r, nil
}

// Projects lists the loaded projects in name order.
func (m *Manager) Projects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.repos))
	for name := range m.repos {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) pathFor(project string) string {
	return filepath.Join(m.opts.Root, filepath.FromSlash(project)+".git")
}

func validateProject(project string) error {
	if project == "" || strings.HasPrefix(project, "/") || strings.Contains(project, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidProject, project)
	}
	return nil
}

// Repository wraps one go-git repository. The mutex guards the storer, which is not safe for
// concurrent writers.
type Repository struct {
	name    string
	mu      sync.RWMutex
	repo    *git.Repository
	parents *lru.Cache[plumbing.Hash, []plumbing.Hash]
	// generations outlives arenas so repeated walks stop at already numbered history.
	generations *lru.Cache[plumbing.Hash, uint32]
}

func newRepository(name string, gr *git.Repository, cacheSize int) (*Repository, error) {
	cache, err := lru.New[plumbing.Hash, []plumbing.Hash](cacheSize)
	if err != nil {
		return nil, err
	}
	generations, err := lru.New[plumbing.Hash, uint32](cacheSize * generationCacheFactor)
	if err != nil {
		return nil, err
	}
	return &Repository{name: name, repo: gr, parents: cache, generations: generations}, nil
}

// Name returns the project name.
func (r *Repository) Name() string {
	return r.name
}

// Arena returns a fresh commit arena backed by this repository's parent links.
func (r *Repository) Arena() *graph.CommitArena {
	return graph.NewCommitArena(r.Parents, graph.WithGenerationCache(r.generations))
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repository) IsAncestor(ancestor, descendant plumbing.Hash) (bool, error) {
	return r.Arena().IsAncestor(ancestor, descendant)
}

// MergeBase returns the best common ancestor of a and b, or the zero hash when the histories are
// unrelated. When several best bases exist the most recently committed one wins, then the lowest
// hash.
func (r *Repository) MergeBase(a, b plumbing.Hash) (plumbing.Hash, error) {
	bases, err := r.Arena().MergeBases(a, b)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return r.pickBase(bases)
}

func (r *Repository) pickBase(bases []plumbing.Hash) (plumbing.Hash, error) {
	switch len(bases) {
	case 0:
		return plumbing.ZeroHash, nil
	case 1:
		return bases[0], nil
	}
	best := plumbing.ZeroHash
	for _, h := range bases {
		if best.IsZero() {
			best = h
			continue
		}
		bc, err := r.Commit(best)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		hc, err := r.Commit(h)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		switch {
		case hc.Committer.When.After(bc.Committer.When):
			best = h
		case hc.Committer.When.Equal(bc.Committer.When) && h.String() < best.String():
			best = h
		}
	}
	return best, nil
}
