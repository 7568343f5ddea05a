// Package repotest builds commit graphs in in-memory repositories for tests.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/niczy/gitsubmit/internal/repo"
)

// Epoch is the author time of the first commit made by a Builder.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// Env holds a repository manager and its ref database.
type Env struct {
	T       testing.TB
	Manager *repo.Manager
	Refs    repo.RefDatabase
}

// NewEnv creates an in-memory environment with git-backed refs.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	mgr := repo.NewManager(repo.ManagerOptions{})
	return &Env{T: t, Manager: mgr, Refs: repo.NewGitRefDatabase(mgr)}
}

// Project creates a repository and returns a builder for it.
func (e *Env) Project(name string) *Builder {
	e.T.Helper()
	r, err := e.Manager.Create(name)
	require.NoError(e.T, err)
	return &Builder{t: e.T, Repo: r, refs: e.Refs, clock: Epoch}
}

// Builder creates commits with deterministic timestamps.
type Builder struct {
	t     testing.TB
	Repo  *repo.Repository
	refs  repo.RefDatabase
	clock time.Time
}

func (b *Builder) tick() time.Time {
	b.clock = b.clock.Add(time.Minute)
	return b.clock
}

// Commit writes a commit whose tree is the first parent's tree with files applied. An empty file
// content deletes the path.
func (b *Builder) Commit(message string, parents []plumbing.Hash, files map[string]string) plumbing.Hash {
	b.t.Helper()
	changes := make(map[string]*object.TreeEntry, len(files))
	for path, content := range files {
		if content == "" {
			changes[path] = nil
			continue
		}
		h, err := b.Repo.WriteBlob([]byte(content))
		require.NoError(b.t, err)
		changes[path] = &object.TreeEntry{Mode: filemode.Regular, Hash: h}
	}
	return b.commitTree(message, parents, changes)
}

// Gitlink writes a commit on parent that points path at a submodule commit.
func (b *Builder) Gitlink(message string, parent plumbing.Hash, path string, target plumbing.Hash) plumbing.Hash {
	b.t.Helper()
	return b.commitTree(message, parentList(parent), map[string]*object.TreeEntry{
		path: {Mode: filemode.Submodule, Hash: target},
	})
}

func (b *Builder) commitTree(message string, parents []plumbing.Hash, changes map[string]*object.TreeEntry) plumbing.Hash {
	b.t.Helper()
	base := plumbing.ZeroHash
	if len(parents) > 0 {
		tree, err := b.Repo.TreeOf(parents[0])
		require.NoError(b.t, err)
		base = tree
	}
	tree, err := b.Repo.UpdateTree(base, changes)
	require.NoError(b.t, err)

	when := b.tick()
	sig := repo.Signature("Author", "author@example.com", when)
	h, err := b.Repo.WriteCommit(&object.Commit{
		TreeHash:     tree,
		Author:       sig,
		Committer:    sig,
		Message:      message + "\n",
		ParentHashes: parents,
	})
	require.NoError(b.t, err)
	return h
}

// Chain writes one commit per message on top of parent, each touching its own file.
func (b *Builder) Chain(parent plumbing.Hash, messages ...string) []plumbing.Hash {
	b.t.Helper()
	out := make([]plumbing.Hash, 0, len(messages))
	for _, m := range messages {
		parent = b.Commit(m, parentList(parent), map[string]string{m + ".txt": m + "\n"})
		out = append(out, parent)
	}
	return out
}

// SetBranch points a branch at a commit.
func (b *Builder) SetBranch(branch string, h plumbing.Hash) {
	b.t.Helper()
	require.NoError(b.t, repo.UpdateRef(context.Background(), b.refs, b.Repo.Name(), branch, h))
}

// Tip returns the commit a branch points at, or the zero hash.
func (b *Builder) Tip(branch string) plumbing.Hash {
	b.t.Helper()
	h, err := repo.Lookup(context.Background(), b.refs, b.Repo.Name(), branch)
	require.NoError(b.t, err)
	return h
}

// Files returns the regular file contents of a commit keyed by path.
func (b *Builder) Files(commit plumbing.Hash) map[string]string {
	b.t.Helper()
	tree, err := b.Repo.TreeOf(commit)
	require.NoError(b.t, err)
	entries, err := b.Repo.Flatten(tree)
	require.NoError(b.t, err)
	out := make(map[string]string, len(entries))
	for path, e := range entries {
		if e.Mode == filemode.Submodule {
			out[path] = "gitlink:" + e.Hash.String()
			continue
		}
		content, err := b.Repo.ReadBlob(e.Hash)
		require.NoError(b.t, err)
		out[path] = string(content)
	}
	return out
}

// Parents returns the parents of a commit.
func (b *Builder) Parents(h plumbing.Hash) []plumbing.Hash {
	b.t.Helper()
	parents, err := b.Repo.Parents(h)
	require.NoError(b.t, err)
	return parents
}

func parentList(h plumbing.Hash) []plumbing.Hash {
	if h.IsZero() {
		return nil
	}
	return []plumbing.Hash{h}
}
