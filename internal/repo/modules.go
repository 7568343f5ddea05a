package repo

import (
	"errors"
	"path"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitModulesFile is the path of the submodule declaration file at the root of a tree.
const GitModulesFile = ".gitmodules"

// Submodule is one entry of a .gitmodules file.
type Submodule struct {
	Name   string
	Path   string
	URL    string
	Branch string
}

// Project returns the project name a submodule URL refers to, taking the last path segment(s) of
// relative URLs such as "../lib" and stripping a trailing ".git".
func (s Submodule) Project() string {
	u := strings.TrimSuffix(strings.TrimSuffix(s.URL, "/"), ".git")
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
		if j := strings.IndexByte(u, '/'); j >= 0 {
			u = u[j+1:]
		}
	}
	for strings.HasPrefix(u, "../") {
		u = u[3:]
	}
	u = strings.TrimPrefix(u, "./")
	return path.Clean(u)
}

// ReadSubmodules parses .gitmodules from a tree. A tree without the file has no submodules.
func (r *Repository) ReadSubmodules(treeHash plumbing.Hash) ([]Submodule, error) {
	raw, err := r.ReadFile(treeHash, GitModulesFile)
	if err != nil {
		if errors.Is(err, ErrPathNotFound) {
			return nil, nil
		}
		return nil, err
	}
	modules := config.NewModules()
	if err := modules.Unmarshal(raw); err != nil {
		return nil, err
	}
	out := make([]Submodule, 0, len(modules.Submodules))
	for name, sm := range modules.Submodules {
		out = append(out, Submodule{Name: name, Path: sm.Path, URL: sm.URL, Branch: sm.Branch})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
