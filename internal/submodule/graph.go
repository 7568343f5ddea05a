// Package submodule resolves submodule subscriptions and keeps superproject gitlinks in step with
// the submodule branches they track.
package submodule

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"

	"github.com/niczy/gitsubmit/internal/graph"
	"github.com/niczy/gitsubmit/internal/logging"
	"github.com/niczy/gitsubmit/internal/models"
	"github.com/niczy/gitsubmit/internal/project"
	"github.com/niczy/gitsubmit/internal/repo"
)

// CycleError reports circular subscriptions. Level is "Branch" or "Project".
type CycleError struct {
	Level string
	Path  []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s level circular subscriptions detected: %s", e.Level, strings.Join(e.Path, " -> "))
}

// Plan is the set of superproject branches affected by a group of updated branches.
type Plan struct {
	Updated []models.BranchKey
	// Order lists the superproject branches to update; every branch comes after the submodule
	// branches it tracks.
	Order []models.BranchKey
	// Sources maps a superproject branch to the subscriptions feeding it.
	Sources map[models.BranchKey][]models.SubscriptionTarget
}

// Empty reports whether no superproject is affected.
func (p *Plan) Empty() bool {
	return p == nil || len(p.Order) == 0
}

// Graph resolves subscriptions declared in project configuration.
type Graph struct {
	projects project.Provider
	refs     repo.RefDatabase
	logger   zerolog.Logger
}

// NewGraph creates a subscription graph. A nil logger uses the global one.
func NewGraph(projects project.Provider, refs repo.RefDatabase, logger *zerolog.Logger) *Graph {
	l := logging.Component("submodule")
	if logger != nil {
		l = *logger
	}
	return &Graph{projects: projects, refs: refs, logger: l}
}

// Subscribers returns the superproject branches subscribed to sub, sorted by superproject branch.
func (g *Graph) Subscribers(ctx context.Context, sub models.BranchKey) ([]models.SubscriptionTarget, error) {
	state, err := g.projects.Project(ctx, sub.Project)
	if err != nil {
		return nil, err
	}
	seen := make(map[models.SubscriptionTarget]bool)
	var out []models.SubscriptionTarget
	add := func(s models.Subscription, superBranch string) {
		path := s.Path
		if path == "" {
			path = sub.Project
		}
		t := models.SubscriptionTarget{
			Super: models.BranchKey{Project: s.SuperProject, Branch: superBranch},
			Sub:   sub,
			Path:  path,
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, s := range state.Subscriptions {
		switch s.Mode {
		case models.MatchExact:
			if s.SubBranch != sub.Branch {
				continue
			}
			superBranch := s.SuperBranch
			if superBranch == "" {
				superBranch = sub.Branch
			}
			add(s, superBranch)
		case models.MatchMatching:
			superBranch, ok := mapWildcard(s.SubBranch, s.SuperBranch, sub.Branch)
			if ok {
				add(s, superBranch)
			}
		case models.MatchMulti:
			ok, err := matches(s.SubBranch, sub.Branch)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			branches, err := g.existing(ctx, s.SuperProject, s.SuperBranch)
			if err != nil {
				return nil, err
			}
			for _, b := range branches {
				add(s, b)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Super != out[j].Super {
			return out[i].Super.Less(out[j].Super)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// existing lists the superproject branches matching pattern.
func (g *Graph) existing(ctx context.Context, superProject, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "refs/heads/*"
	}
	gl, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("subscription pattern %q: %w", pattern, err)
	}
	refs, err := g.refs.List(ctx, superProject, "refs/heads/")
	if err != nil {
		return nil, err
	}
	var out []string
	for name := range refs {
		if gl.Match(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func matches(pattern, branch string) (bool, error) {
	gl, err := glob.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("subscription pattern %q: %w", pattern, err)
	}
	return gl.Match(branch), nil
}

// mapWildcard maps branch through a "src*" -> "dst*" pair such as refs/heads/* -> refs/heads/*.
// An empty dst keeps the branch name.
func mapWildcard(src, dst, branch string) (string, bool) {
	prefix, suffix, ok := strings.Cut(src, "*")
	if !ok {
		if src != branch {
			return "", false
		}
		if dst == "" {
			return branch, true
		}
		return dst, true
	}
	if !strings.HasPrefix(branch, prefix) || !strings.HasSuffix(branch, suffix) || len(branch) < len(prefix)+len(suffix) {
		return "", false
	}
	matched := branch[len(prefix) : len(branch)-len(suffix)]
	if dst == "" {
		return branch, true
	}
	return strings.Replace(dst, "*", matched, 1), true
}

// Plan walks subscriptions outward from the updated branches. Circular subscriptions among the
// affected branches or their projects fail with a *CycleError.
func (g *Graph) Plan(ctx context.Context, updated []models.BranchKey) (*Plan, error) {
	plan := &Plan{
		Updated: append([]models.BranchKey(nil), updated...),
		Sources: make(map[models.BranchKey][]models.SubscriptionTarget),
	}
	sort.Slice(plan.Updated, func(i, j int) bool { return plan.Updated[i].Less(plan.Updated[j]) })

	branches := graph.NewDigraph()
	projects := graph.NewDigraph()
	visited := make(map[models.BranchKey]bool)
	queue := append([]models.BranchKey(nil), plan.Updated...)
	for _, k := range queue {
		branches.Node(k.String())
	}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		k := queue[0]
		queue = queue[1:]
		if visited[k] {
			continue
		}
		visited[k] = true

		subs, err := g.Subscribers(ctx, k)
		if err != nil {
			return nil, err
		}
		for _, t := range subs {
			branches.AddEdge(k.String(), t.Super.String())
			if t.Sub.Project != t.Super.Project {
				projects.AddEdge(t.Sub.Project, t.Super.Project)
			}
			plan.Sources[t.Super] = append(plan.Sources[t.Super], t)
			if !visited[t.Super] {
				queue = append(queue, t.Super)
			}
		}
	}

	for _, k := range plan.Updated {
		if cycle := branches.CycleFrom(k.String()); cycle != nil {
			return nil, &CycleError{Level: "Branch", Path: cycle}
		}
	}
	order, cycle := branches.TopoSort()
	if cycle != nil {
		return nil, &CycleError{Level: "Branch", Path: cycle}
	}
	for _, k := range plan.Updated {
		if cycle := projects.CycleFrom(k.Project); cycle != nil {
			return nil, &CycleError{Level: "Project", Path: cycle}
		}
	}

	for _, name := range order {
		k := parseKey(name)
		if _, ok := plan.Sources[k]; ok {
			plan.Order = append(plan.Order, k)
		}
	}
	if len(plan.Order) > 0 {
		g.logger.Debug().Int("superprojects", len(plan.Order)).Msg("submodule update planned")
	}
	return plan, nil
}

// Validate checks the subscriptions of every configured project for cycles.
func (g *Graph) Validate(ctx context.Context) error {
	names, err := g.projects.Projects(ctx)
	if err != nil {
		return err
	}
	var keys []models.BranchKey
	for _, name := range names {
		state, err := g.projects.Project(ctx, name)
		if err != nil {
			return err
		}
		if len(state.Subscriptions) == 0 {
			continue
		}
		refs, err := g.refs.List(ctx, name, "refs/heads/")
		if err != nil {
			g.logger.Debug().Err(err).Str("project", name).Msg("skip project without repository")
			continue
		}
		for ref := range refs {
			keys = append(keys, models.BranchKey{Project: name, Branch: ref})
		}
	}
	_, err = g.Plan(ctx, keys)
	return err
}

func parseKey(s string) models.BranchKey {
	project, branch, _ := strings.Cut(s, ",")
	return models.BranchKey{Project: project, Branch: branch}
}
