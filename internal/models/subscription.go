package models

import (
	"fmt"
	"strings"
)

// MatchMode describes how a submodule branch maps onto superproject branches.
type MatchMode int

const (
	// MatchExact pairs one submodule branch with one superproject branch.
	MatchExact MatchMode = iota
	// MatchMatching maps a wildcard pattern onto the same-named superproject branch.
	MatchMatching
	// MatchMulti maps one submodule branch onto every existing superproject branch matching a pattern.
	MatchMulti
)

func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "EXACT"
	case MatchMatching:
		return "MATCHING"
	case MatchMulti:
		return "MULTI_MATCH"
	default:
		return fmt.Sprintf("MatchMode(%d)", int(m))
	}
}

// ParseMatchMode parses the textual forms accepted in project configuration.
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "EXACT":
		return MatchExact, nil
	case "MATCHING":
		return MatchMatching, nil
	case "MULTI", "MULTI_MATCH", "ALL":
		return MatchMulti, nil
	}
	return 0, fmt.Errorf("unknown subscription match mode %q", s)
}

// Subscription declares that a superproject branch tracks a submodule branch through a gitlink.
// It lives in the submodule project's configuration.
type Subscription struct {
	SubProject   string    `json:"sub_project" yaml:"-"`
	SubBranch    string    `json:"sub_branch" yaml:"branch"`
	SuperProject string    `json:"super_project" yaml:"superproject"`
	SuperBranch  string    `json:"super_branch" yaml:"superBranch"`
	Path         string    `json:"path,omitempty" yaml:"path,omitempty"`
	Mode         MatchMode `json:"mode" yaml:"-"`
}

// SubscriptionTarget is one resolved superproject branch subscribed to a submodule branch.
type SubscriptionTarget struct {
	Super BranchKey `json:"super"`
	Sub   BranchKey `json:"sub"`
	Path  string    `json:"path"`
}
