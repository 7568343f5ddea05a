// Package project resolves per-project submit configuration with parent inheritance.
package project

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/niczy/gitsubmit/internal/models"
)

// RootProject is the implicit parent of every project.
const RootProject = "All-Projects"

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrInheritanceCycle = errors.New("project inheritance cycle")
)

// Config is one project's declared settings. Nil pointers and INHERIT defer to the parent.
type Config struct {
	Parent               string             `yaml:"parent"`
	SubmitType           models.SubmitType  `yaml:"submitType"`
	UseContentMerge      *bool              `yaml:"useContentMerge"`
	RejectImplicitMerges *bool              `yaml:"rejectImplicitMerges"`
	Subscriptions        []SubscriptionDecl `yaml:"subscriptions"`
}

// SubscriptionDecl declares that a superproject branch tracks a branch of this project.
type SubscriptionDecl struct {
	Branch       string `yaml:"branch"`
	SuperProject string `yaml:"superproject"`
	SuperBranch  string `yaml:"superBranch"`
	Path         string `yaml:"path"`
	Mode         string `yaml:"mode"`
}

// State is the effective configuration of a project after inheritance.
type State struct {
	Name                 string
	SubmitType           models.SubmitType
	UseContentMerge      bool
	RejectImplicitMerges bool
	Subscriptions        []models.Subscription
}

// Provider supplies effective project configuration.
type Provider interface {
	Project(ctx context.Context, name string) (*State, error)
	// Projects lists the explicitly configured projects.
	Projects(ctx context.Context) ([]string, error)
}

type file struct {
	Projects map[string]*Config `yaml:"projects"`
}

// Set is a parsed, validated collection of project configurations.
type Set struct {
	projects map[string]*Config
}

// Parse decodes a projects YAML document.
func Parse(raw []byte) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse project config: %w", err)
	}
	return NewSet(f.Projects)
}

// NewSet validates parents and subscription modes.
func NewSet(projects map[string]*Config) (*Set, error) {
	s := &Set{projects: make(map[string]*Config, len(projects))}
	for name, cfg := range projects {
		if cfg == nil {
			cfg = &Config{}
		}
		s.projects[name] = cfg
	}
	for name, cfg := range s.projects {
		if cfg.Parent != "" && cfg.Parent != RootProject {
			if _, ok := s.projects[cfg.Parent]; !ok {
				return nil, fmt.Errorf("%w: parent %q of %q", ErrProjectNotFound, cfg.Parent, name)
			}
		}
		for _, d := range cfg.Subscriptions {
			if _, err := models.ParseMatchMode(d.Mode); err != nil {
				return nil, fmt.Errorf("project %s: %w", name, err)
			}
			if d.SuperProject == "" || d.Branch == "" {
				return nil, fmt.Errorf("project %s: subscription needs branch and superproject", name)
			}
		}
		if _, err := s.chain(name); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// chain returns name followed by its ancestors, nearest first.
func (s *Set) chain(name string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for cur := name; cur != ""; {
		if seen[cur] {
			return nil, fmt.Errorf("%w: %s", ErrInheritanceCycle, strings.Join(append(out, cur), " -> "))
		}
		seen[cur] = true
		out = append(out, cur)
		if cur == RootProject {
			break
		}
		cfg, ok := s.projects[cur]
		switch {
		case !ok || cfg.Parent == "":
			cur = RootProject
		default:
			cur = cfg.Parent
		}
	}
	return out, nil
}

// Resolve computes the effective state of name. Unconfigured projects inherit from the root.
func (s *Set) Resolve(name string) (*State, error) {
	chain, err := s.chain(name)
	if err != nil {
		return nil, err
	}
	st := &State{Name: name, SubmitType: models.SubmitTypeInherit}
	var contentMerge, rejectImplicit *bool
	for _, p := range chain {
		cfg, ok := s.projects[p]
		if !ok {
			continue
		}
		if st.SubmitType == models.SubmitTypeInherit {
			st.SubmitType = cfg.SubmitType
		}
		if contentMerge == nil {
			contentMerge = cfg.UseContentMerge
		}
		if rejectImplicit == nil {
			rejectImplicit = cfg.RejectImplicitMerges
		}
		for _, d := range cfg.Subscriptions {
			mode, _ := models.ParseMatchMode(d.Mode)
			st.Subscriptions = append(st.Subscriptions, models.Subscription{
				SubProject:   name,
				SubBranch:    d.Branch,
				SuperProject: d.SuperProject,
				SuperBranch:  d.SuperBranch,
				Path:         d.Path,
				Mode:         mode,
			})
		}
	}
	if st.SubmitType == models.SubmitTypeInherit {
		st.SubmitType = models.SubmitTypeMergeIfNecessary
	}
	st.UseContentMerge = contentMerge != nil && *contentMerge
	st.RejectImplicitMerges = rejectImplicit != nil && *rejectImplicit
	return st, nil
}

// Names lists the configured projects in name order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.projects))
	for name := range s.projects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StaticProvider serves a Set that can be swapped at runtime.
type StaticProvider struct {
	mu  sync.RWMutex
	set *Set
}

// NewStaticProvider wraps set; a nil set behaves as an empty configuration.
func NewStaticProvider(set *Set) *StaticProvider {
	if set == nil {
		set = &Set{projects: map[string]*Config{}}
	}
	return &StaticProvider{set: set}
}

// Replace swaps the served configuration.
func (p *StaticProvider) Replace(set *Set) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set = set
}

func (p *StaticProvider) current() *Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set
}

// Project returns the effective state of a project.
func (p *StaticProvider) Project(ctx context.Context, name string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.current().Resolve(name)
}

// Projects lists configured projects.
func (p *StaticProvider) Projects(ctx context.Context) ([]string, error) {
	return p.current().Names(), nil
}
