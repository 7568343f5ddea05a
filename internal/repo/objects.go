package repo

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Signature builds a commit identity.
func Signature(name, email string, when time.Time) object.Signature {
	return object.Signature{Name: name, Email: email, When: when}
}

// Abbrev returns the 7 character short form of a hash.
func Abbrev(h plumbing.Hash) string {
	return h.String()[:7]
}

// Subject returns the first line of a commit message.
func Subject(message string) string {
	message = strings.TrimLeft(message, "\n")
	if i := strings.IndexByte(message, '\n'); i >= 0 {
		return strings.TrimSpace(message[:i])
	}
	return strings.TrimSpace(message)
}

// Commit reads a commit object.
func (r *Repository) Commit(h plumbing.Hash) (*object.Commit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commitLocked(h)
}

func (r *Repository) commitLocked(h plumbing.Hash) (*object.Commit, error) {
	c, err := r.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("read commit %s in %s: %w", h, r.name, err)
	}
	return c, nil
}

// Parents returns the parent hashes of a commit. Results are cached since commits are immutable.
func (r *Repository) Parents(h plumbing.Hash) ([]plumbing.Hash, error) {
	if cached, ok := r.parents.Get(h); ok {
		return cached, nil
	}
	c, err := r.Commit(h)
	if err != nil {
		return nil, err
	}
	parents := append([]plumbing.Hash(nil), c.ParentHashes...)
	r.parents.Add(h, parents)
	return parents, nil
}

// HasCommit reports whether the commit object exists.
func (r *Repository) HasCommit(h plumbing.Hash) bool {
	_, err := r.Commit(h)
	return err == nil
}

// TreeOf returns the tree hash of a commit. The zero commit has the zero (empty) tree.
func (r *Repository) TreeOf(commit plumbing.Hash) (plumbing.Hash, error) {
	if commit.IsZero() {
		return plumbing.ZeroHash, nil
	}
	c, err := r.Commit(commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return c.TreeHash, nil
}

// Flatten maps every non-directory path of a tree to its entry. The zero hash is the empty tree.
func (r *Repository) Flatten(treeHash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if treeHash.IsZero() {
		return entries, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tree, err := r.repo.TreeObject(treeHash)
	if err != nil {
		return nil, fmt.Errorf("read tree %s in %s: %w", treeHash, r.name, err)
	}
	if err := r.flattenLocked(tree, "", entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) flattenLocked(tree *object.Tree, prefix string, entries map[string]object.TreeEntry) error {
	for _, entry := range tree.Entries {
		fullPath := entry.Name
		if prefix != "" {
			fullPath = prefix + "/" + entry.Name
		}
		if entry.Mode == filemode.Dir {
			subtree, err := r.repo.TreeObject(entry.Hash)
			if err != nil {
				return fmt.Errorf("read subtree %s: %w", fullPath, err)
			}
			if err := r.flattenLocked(subtree, fullPath, entries); err != nil {
				return err
			}
			continue
		}
		entries[fullPath] = object.TreeEntry{Name: fullPath, Mode: entry.Mode, Hash: entry.Hash}
	}
	return nil
}

// WriteBlob stores content and returns its hash.
func (r *Repository) WriteBlob(content []byte) (plumbing.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// ReadBlob returns the content of a blob.
func (r *Repository) ReadBlob(h plumbing.Hash) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	blob, err := r.repo.BlobObject(h)
	if err != nil {
		return nil, fmt.Errorf("read blob %s in %s: %w", h, r.name, err)
	}
	rd, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// ReadFile returns the content of path in a tree.
func (r *Repository) ReadFile(treeHash plumbing.Hash, path string) ([]byte, error) {
	entry, err := r.FindEntry(treeHash, path)
	if err != nil {
		return nil, err
	}
	if entry.Mode == filemode.Dir || entry.Mode == filemode.Submodule {
		return nil, fmt.Errorf("%s is not a file", path)
	}
	return r.ReadBlob(entry.Hash)
}

// FindEntry looks up a path in a tree.
func (r *Repository) FindEntry(treeHash plumbing.Hash, path string) (*object.TreeEntry, error) {
	if treeHash.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tree, err := r.repo.TreeObject(treeHash)
	if err != nil {
		return nil, fmt.Errorf("read tree %s in %s: %w", treeHash, r.name, err)
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return nil, err
	}
	return entry, nil
}

// ReadGitlink returns the submodule commit recorded at path.
func (r *Repository) ReadGitlink(treeHash plumbing.Hash, path string) (plumbing.Hash, error) {
	entry, err := r.FindEntry(treeHash, path)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if entry.Mode != filemode.Submodule {
		return plumbing.ZeroHash, fmt.Errorf("%w: %s has mode %s", ErrNotGitlink, path, entry.Mode)
	}
	return entry.Hash, nil
}

// WriteTree builds nested tree objects from flattened entries and returns the root tree hash.
func (r *Repository) WriteTree(entries map[string]object.TreeEntry) (plumbing.Hash, error) {
	root := newTreeNode()
	for fullPath, entry := range entries {
		root.insert(strings.Split(fullPath, "/"), entry)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildTreeLocked(root)
}

// UpdateTree applies changes to a base tree. A nil entry deletes the path.
func (r *Repository) UpdateTree(base plumbing.Hash, changes map[string]*object.TreeEntry) (plumbing.Hash, error) {
	entries, err := r.Flatten(base)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	for path, entry := range changes {
		if entry == nil {
			delete(entries, path)
			continue
		}
		entries[path] = object.TreeEntry{Name: path, Mode: entry.Mode, Hash: entry.Hash}
	}
	return r.WriteTree(entries)
}

// WriteCommit encodes and stores a commit.
func (r *Repository) WriteCommit(c *object.Commit) (plumbing.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj := r.repo.Storer.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	h, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", err)
	}
	return h, nil
}

type treeNode struct {
	dirs  map[string]*treeNode
	files []object.TreeEntry
}

func newTreeNode() *treeNode {
	return &treeNode{dirs: make(map[string]*treeNode)}
}

func (n *treeNode) insert(parts []string, entry object.TreeEntry) {
	if len(parts) == 1 {
		n.files = append(n.files, object.TreeEntry{Name: parts[0], Mode: entry.Mode, Hash: entry.Hash})
		return
	}
	child, ok := n.dirs[parts[0]]
	if !ok {
		child = newTreeNode()
		n.dirs[parts[0]] = child
	}
	child.insert(parts[1:], entry)
}

func (r *Repository) buildTreeLocked(n *treeNode) (plumbing.Hash, error) {
	entries := append([]object.TreeEntry(nil), n.files...)
	for name, child := range n.dirs {
		h, err := r.buildTreeLocked(child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: h})
	}
	sortTreeEntries(entries)

	tree := &object.Tree{Entries: entries}
	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode tree: %w", err)
	}
	return r.repo.Storer.SetEncodedObject(obj)
}

// sortTreeEntries orders entries the way git does: directories compare as if their name ended in "/".
func sortTreeEntries(entries []object.TreeEntry) {
	key := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(entries, func(i, j int) bool { return key(entries[i]) < key(entries[j]) })
}
